package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/config"
	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/chat"
	"github.com/arzzra/telehealth/pkg/peer/webrtcpeer"
	"github.com/arzzra/telehealth/pkg/recording"
	"github.com/arzzra/telehealth/pkg/session"
)

const finalizeTimeout = 5 * time.Second

type joinOptions struct {
	token    string
	role     string
	record   bool
	duration time.Duration
	messages []string
}

// NewJoinCmd команда участия в консультации с синтетическим устройством
func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join <appointment-id>",
		Short: "Подключиться к консультации",
		Long: "Подключиться к консультации с синтетическими камерой и микрофоном.\n" +
			"Звонок длится до Ctrl+C, --duration или завершения собеседником.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, deps.Config.Client, deps.Logger, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.token, "token", "", "Токен участника, перекрывает client.token")
	cmd.Flags().StringVar(&opts.role, "role", "", "Роль, перекрывает client.role")
	cmd.Flags().BoolVar(&opts.record, "record", false, "Записать звонок и загрузить запись при выходе")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Завершить звонок через заданное время")
	cmd.Flags().StringArrayVarP(&opts.messages, "message", "m", nil, "Отправить сообщение в чат после подключения")

	return cmd
}

func runJoin(ctx context.Context, cc config.ClientConfig, logger *zap.Logger, sessionID string, opts joinOptions, out io.Writer) error {
	token := cc.Token
	if opts.token != "" {
		token = opts.token
	}
	role := session.Role(cc.Role)
	if opts.role != "" {
		role = session.Role(opts.role)
	}
	log := logger.Named("consult")

	factory, err := webrtcpeer.NewFactory(webrtcpeer.Config{ICEServers: cc.STUNServers}, log)
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	cfg.SessionID = sessionID
	cfg.Role = role
	cfg.Signaling.BaseURL = cc.SignalURL
	cfg.Signaling.Token = token
	cfg.Signaling.DialTimeout = cc.DialTimeout
	cfg.Signaling.WriteTimeout = cc.WriteTimeout
	cfg.Signaling.PingInterval = cc.PingInterval
	cfg.Chat.BaseURL = cc.SignalURL
	cfg.Chat.Token = token
	cfg.Chat.DialTimeout = cc.DialTimeout
	cfg.Chat.WriteTimeout = cc.WriteTimeout
	cfg.Chat.PingInterval = cc.PingInterval

	sess, err := session.New(cfg, session.Dependencies{
		Device:      capture.NewSyntheticDevice(capture.DefaultSyntheticConfig()),
		PeerFactory: factory,
		History:     chat.NewHTTPHistory(cc.APIURL, token, cc.HTTPTimeout),
		Uploader:    recording.NewHTTPUploader(cc.APIURL, token, cc.HTTPTimeout),
		Logger:      log,
	})
	if err != nil {
		return err
	}

	p := &printer{out: out}
	sess.OnStatus(p.status)
	sess.OnChatMessage(p.message)

	// сессия живет дольше ctx, чтобы успеть остановить и загрузить запись
	sessCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sess.Open(sessCtx); err != nil {
		return err
	}
	defer sess.EndCall()

	for _, m := range sess.Messages() {
		p.message(m)
	}
	if st := sess.Status(); st.HistoryError != nil {
		p.printf("история недоступна: %v\n", st.HistoryError)
	}

	if opts.record {
		if err := sess.StartRecording(sessCtx); err != nil {
			p.printf("запись не начата: %v\n", err)
			opts.record = false
		}
	}
	for _, text := range opts.messages {
		if err := sess.SendChat(text); err != nil {
			p.printf("сообщение не отправлено: %v\n", err)
		}
	}

	var timeout <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-sess.Done():
		p.printf("звонок завершен собеседником, длительность %s\n", sess.Status().ElapsedText())
		return nil
	}

	if opts.record {
		if err := finishRecording(sessCtx, sess, p); err != nil {
			p.printf("запись не загружена: %v\n", err)
		}
	}

	sess.EndCall()
	p.printf("звонок завершен, длительность %s\n", sess.Status().ElapsedText())
	return nil
}

// finishRecording останавливает запись, ждет финализации и загружает артефакт
func finishRecording(ctx context.Context, sess *session.Session, p *printer) error {
	if err := sess.StopRecording(ctx); err != nil {
		return err
	}

	deadline := time.Now().Add(finalizeTimeout)
	for sess.Status().Recording.State != recording.StateFinalized {
		if time.Now().After(deadline) {
			return errors.New("запись не финализирована")
		}
		select {
		case <-sess.Done():
			return session.ErrSessionEnded
		case <-time.After(50 * time.Millisecond):
		}
	}

	snap := sess.Status().Recording
	p.printf("запись готова: %d байт, %s\n", snap.ArtifactSize, snap.Duration.Round(time.Second))
	if err := sess.UploadRecording(ctx); err != nil {
		return err
	}
	p.printf("запись загружена\n")
	return nil
}

// printer выводит изменения состояния и сообщения чата
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	last string
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) status(st session.Status) {
	line := fmt.Sprintf("[%s] звонок: %s, сигнализация: %s, чат: %s, медиа: %t",
		st.ElapsedText(), st.Peer, st.Signaling, st.Chat, st.MediaReady)
	if st.Recording.State == recording.StateRecording {
		line += fmt.Sprintf(", запись: %d байт", st.Recording.Bytes)
	}
	if st.Recording.Notice != "" {
		line += ", " + st.Recording.Notice
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.out, line)
}

func (p *printer) message(m chat.Message) {
	if m.IsSystem() {
		p.printf("%s * %s\n", m.Timestamp, m.Text)
		return
	}
	p.printf("%s %s (%s): %s\n", m.Timestamp, m.SenderName, m.SenderRole, m.Text)
}
