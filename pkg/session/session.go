// Package session связывает захват медиа, сигнальный канал, peer соединение,
// чат и запись в одну консультационную сессию.
//
// Все асинхронные события сессии выполняются в собственном цикле событий
// (eventloop.Loop). Завершение звонка единственная точка отмены: оно
// безопасно в любом состоянии и при повторном вызове.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/chat"
	"github.com/arzzra/telehealth/pkg/peer"
	"github.com/arzzra/telehealth/pkg/recording"
	"github.com/arzzra/telehealth/pkg/signaling"
)

var (
	// ErrSessionEnded операция после завершения звонка
	ErrSessionEnded = errors.New("сессия завершена")
	// ErrAlreadyOpen повторный Open
	ErrAlreadyOpen = errors.New("сессия уже открыта")
)

// Config параметры сессии
type Config struct {
	SessionID string
	Role      Role

	Signaling   signaling.Config
	Chat        chat.Config
	Constraints capture.Constraints

	MaxRecordingBytes int64
	RecordingSlice    time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	rec := recording.DefaultConfig()
	return Config{
		Role:              RolePatient,
		Signaling:         signaling.DefaultConfig(),
		Chat:              chat.DefaultConfig(),
		Constraints:       capture.DefaultConstraints(),
		MaxRecordingBytes: rec.MaxBytes,
		RecordingSlice:    rec.Timeslice,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	var errs []error
	if c.SessionID == "" {
		errs = append(errs, errors.New("не задан идентификатор сессии"))
	}
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("неизвестная роль %q", c.Role))
	}
	if c.Signaling.BaseURL == "" {
		errs = append(errs, errors.New("не задан адрес сигнального сервера"))
	}
	if c.Chat.BaseURL == "" {
		errs = append(errs, errors.New("не задан адрес чата"))
	}
	return errors.Join(errs...)
}

// Dependencies внешние коллабораторы сессии
type Dependencies struct {
	Device          capture.Device
	PeerFactory     peer.ConnectionFactory
	History         chat.HistoryLoader
	Uploader        recording.Uploader
	RecorderFactory recording.RecorderFactory
	Metrics         *MetricsCollector
	Logger          *zap.Logger
	Now             func() time.Time
}

// Session консультационная сессия одного участника
type Session struct {
	cfg     Config
	logger  *zap.Logger
	metrics *MetricsCollector
	now     func() time.Time

	loop      *eventloop.Loop
	guard     *capture.Guard
	signaling *signaling.Client
	chat      *chat.Client
	machine   *peer.Machine
	pipeline  *recording.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	// состояние ниже принадлежит циклу событий
	opened         bool
	ending         bool
	mediaReady     bool
	mediaErr       error
	signalingState signaling.ConnState
	signalingErr   error
	chatState      chat.ConnState
	chatErr        error
	historyErr     error
	startedAt      time.Time

	hooksMu        sync.Mutex
	onEnded        func(reason EndReason)
	onChatMessage  func(msg chat.Message)
	onRemoteStream func(stream *peer.RemoteStream)
	onStatus       func(status Status)

	finalMu sync.Mutex
	final   *Status

	done     chan struct{}
	doneOnce sync.Once
}

// New создает сессию. Сокеты и устройство не открываются до Open.
func New(cfg Config, deps Dependencies) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_id", cfg.SessionID), zap.String("role", string(cfg.Role)))
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: deps.Metrics,
		now:     now,
		loop:    eventloop.New(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.guard = capture.NewGuard(deps.Device, cfg.Constraints, logger)
	s.signaling = signaling.NewClient(cfg.Signaling, s.loop, logger)
	s.chat = chat.NewClient(cfg.Chat, deps.History, s.loop, logger)
	s.machine = peer.NewMachine(peer.Config{
		Factory:  deps.PeerFactory,
		Signaler: s.signaling,
		Poster:   s.loop,
		Logger:   logger,
	})

	recorderFactory := deps.RecorderFactory
	if recorderFactory == nil {
		recorderFactory = recording.NewRTPRecorderFactory(logger)
	}
	s.pipeline = recording.NewPipeline(recording.Config{
		MaxBytes:  cfg.MaxRecordingBytes,
		Timeslice: cfg.RecordingSlice,
		Factory:   recorderFactory,
		Uploader:  deps.Uploader,
		Poster:    s.loop,
		Logger:    logger,
		Now:       now,
	})

	s.wire()
	return s, nil
}

// wire подписывает сессию на события компонентов. Все обработчики
// выполняются в цикле событий.
func (s *Session) wire() {
	s.signaling.OnStateChange(func(state signaling.ConnState, err error) {
		s.signalingState = state
		if err != nil {
			s.signalingErr = err
		}
		if state == signaling.ConnOpen {
			s.signalingErr = nil
			s.machine.Announce(s.ctx)
		}
		s.statusChanged()
	})
	s.signaling.OnMessage(func(msg signaling.Message) {
		s.metrics.SignalingMessage(string(msg.Type()))
		_ = s.machine.HandleMessage(s.ctx, msg)
	})
	s.signaling.OnMalformed(func(error) {
		s.metrics.MalformedFrame()
	})

	s.machine.OnStateChange(func(from, to peer.State) {
		s.statusChanged()
	})
	s.machine.OnFailure(func(msgType signaling.Type, err error) {
		s.metrics.NegotiationFailure(string(msgType))
	})
	s.machine.OnRemoteStream(func(stream *peer.RemoteStream) {
		s.hooksMu.Lock()
		fn := s.onRemoteStream
		s.hooksMu.Unlock()
		if fn != nil {
			fn(stream)
		}
		s.statusChanged()
	})
	s.machine.OnEnded(func() {
		// локальное завершение уже выполняет teardown
		s.teardown(EndRemote)
	})

	s.chat.OnStateChange(func(state chat.ConnState, err error) {
		s.chatState = state
		if err != nil {
			s.chatErr = err
		}
		if state == chat.ConnOpen {
			s.chatErr = nil
		}
		s.statusChanged()
	})
	s.chat.OnMessage(func(msg chat.Message) {
		s.hooksMu.Lock()
		fn := s.onChatMessage
		s.hooksMu.Unlock()
		if fn != nil {
			fn(msg)
		}
	})

	var finalized string
	s.pipeline.OnChange(func(snap recording.Snapshot) {
		if snap.State == recording.StateFinalized && snap.ArtifactHandle != finalized {
			finalized = snap.ArtifactHandle
			s.metrics.RecordingFinalized(snap.ArtifactSize)
		}
		s.statusChanged()
	})
}

// OnEnded устанавливает обработчик завершения сессии. Вызывается один раз
// из цикла событий.
func (s *Session) OnEnded(fn func(reason EndReason)) {
	s.hooksMu.Lock()
	s.onEnded = fn
	s.hooksMu.Unlock()
}

// OnChatMessage устанавливает обработчик новых сообщений чата
func (s *Session) OnChatMessage(fn func(msg chat.Message)) {
	s.hooksMu.Lock()
	s.onChatMessage = fn
	s.hooksMu.Unlock()
}

// OnRemoteStream устанавливает обработчик появления (и сброса, nil)
// удаленного потока
func (s *Session) OnRemoteStream(fn func(stream *peer.RemoteStream)) {
	s.hooksMu.Lock()
	s.onRemoteStream = fn
	s.hooksMu.Unlock()
}

// OnStatus устанавливает обработчик изменения индикаторов
func (s *Session) OnStatus(fn func(status Status)) {
	s.hooksMu.Lock()
	s.onStatus = fn
	s.hooksMu.Unlock()
}

// ID идентификатор сессии (appointment)
func (s *Session) ID() string {
	return s.cfg.SessionID
}

// Open захватывает устройство, загружает историю чата и открывает оба
// сокета. Отказ любого шага отражается в Status, последовательность
// продолжается. Отмена ctx завершает сессию.
func (s *Session) Open(ctx context.Context) error {
	var already bool
	if err := s.loop.Do(ctx, func() {
		already = s.opened
		s.opened = true
		s.startedAt = s.now()
	}); err != nil {
		return s.loopErr(err)
	}
	if already {
		return ErrAlreadyOpen
	}
	s.metrics.SessionOpened()
	s.logger.Info("открытие сессии")

	go s.watch(ctx)

	// шаги прерываются и отменой ctx, и завершением звонка
	stepCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(s.ctx, stop)
	defer unlink()

	// 1. Камера и микрофон
	stream, err := s.guard.Acquire(stepCtx)
	if doErr := s.loop.Do(stepCtx, func() {
		if err != nil {
			s.mediaErr = err
			s.logger.Warn("звонок продолжается без локального медиа", zap.Error(err))
		} else {
			s.mediaReady = true
			s.machine.SetLocalStream(stream)
		}
		s.statusChanged()
	}); doErr != nil {
		return s.abortOpen(ctx)
	}

	// 2. История чата
	if s.ended() {
		return s.abortOpen(ctx)
	}
	if err := s.chat.LoadHistory(stepCtx, s.cfg.SessionID); err != nil {
		if doErr := s.loop.Do(stepCtx, func() { s.historyErr = err; s.statusChanged() }); doErr != nil {
			return s.abortOpen(ctx)
		}
	}

	// 3. Сокет чата
	if s.ended() {
		return s.abortOpen(ctx)
	}
	if err := s.chat.Connect(stepCtx, s.cfg.SessionID); err != nil {
		if doErr := s.loop.Do(stepCtx, func() { s.chatErr = err; s.statusChanged() }); doErr != nil {
			return s.abortOpen(ctx)
		}
	}

	// 4. Сигнальный сокет
	if s.ended() {
		return s.abortOpen(ctx)
	}
	if err := s.signaling.Connect(stepCtx, s.cfg.SessionID); err != nil {
		if doErr := s.loop.Do(stepCtx, func() { s.signalingErr = err; s.statusChanged() }); doErr != nil {
			return s.abortOpen(ctx)
		}
	}

	if s.ended() {
		return s.abortOpen(ctx)
	}
	s.logger.Info("сессия открыта")
	return nil
}

// ended сообщает, начат ли teardown. teardown первым делом отменяет s.ctx,
// поэтому проверка не требует захода в цикл.
func (s *Session) ended() bool {
	return s.ctx.Err() != nil || s.loop.Closed()
}

// abortOpen закрывает то, что Open успел открыть после завершения звонка
func (s *Session) abortOpen(ctx context.Context) error {
	<-s.done
	s.chat.Disconnect()
	s.signaling.Disconnect()
	s.guard.Release()
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrSessionEnded
}

// watch завершает сессию при отмене контекста Open
func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		if s.loop.Post(func() { s.teardown(EndCanceled) }) {
			<-s.done
		}
	case <-s.done:
	}
}

// EndCall завершает звонок. Повторный и параллельный вызов безопасны;
// возвращается после завершения teardown. Нельзя вызывать из обработчиков
// сессии.
func (s *Session) EndCall() {
	s.loop.Post(func() { s.teardown(EndLocal) })
	<-s.done
}

// teardown освобождает ресурсы в фиксированном порядке. Выполняется в
// цикле событий.
func (s *Session) teardown(reason EndReason) {
	if s.ending {
		return
	}
	s.ending = true
	// прерывает незавершенный Open до освобождения ресурсов
	s.cancel()
	s.logger.Info("завершение сессии", zap.Stringer("reason", reason))

	// 1. Активная запись
	s.pipeline.Stop()
	// 2. Peer соединение и сигнальный сокет
	s.machine.End(context.WithoutCancel(s.ctx))
	s.signaling.Disconnect()
	// 3. Чат
	s.chat.Disconnect()
	// 4. Камера и микрофон
	s.guard.Release()
	// 5. Запись
	s.pipeline.Reset()

	status := s.snapshot()
	status.Ended = true
	s.finalMu.Lock()
	s.final = &status
	s.finalMu.Unlock()

	if s.opened {
		s.metrics.SessionEnded(reason)
	}

	s.hooksMu.Lock()
	onEnded := s.onEnded
	onStatus := s.onStatus
	s.hooksMu.Unlock()
	if onStatus != nil {
		onStatus(status)
	}
	if onEnded != nil {
		onEnded(reason)
	}

	// 6. Цикл событий
	s.loop.Close()
	s.doneOnce.Do(func() { close(s.done) })
	s.logger.Info("сессия завершена", zap.String("elapsed", status.ElapsedText()))
}

// Done закрывается после завершения сессии
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetVideoEnabled включает или выключает камеру без удаления трека
func (s *Session) SetVideoEnabled(enabled bool) {
	s.guard.SetVideoEnabled(enabled)
	s.loop.Post(s.statusChanged)
}

// SetAudioEnabled включает или выключает микрофон без удаления трека
func (s *Session) SetAudioEnabled(enabled bool) {
	s.guard.SetAudioEnabled(enabled)
	s.loop.Post(s.statusChanged)
}

// StartRecording начинает запись локального потока
func (s *Session) StartRecording(ctx context.Context) error {
	var err error
	if doErr := s.loop.Do(ctx, func() {
		if s.ending {
			err = ErrSessionEnded
			return
		}
		err = s.pipeline.Start(s.guard.Stream())
	}); doErr != nil {
		return s.loopErr(doErr)
	}
	return err
}

// StopRecording останавливает запись. Финализация выполняется после уже
// полученных чанков.
func (s *Session) StopRecording(ctx context.Context) error {
	return s.loopErr(s.loop.Do(ctx, s.pipeline.Stop))
}

// UploadRecording загружает готовую запись. Прогресс отражается в Status.
func (s *Session) UploadRecording(ctx context.Context) error {
	var (
		job *recording.UploadJob
		err error
	)
	if doErr := s.loop.Do(ctx, func() {
		job, err = s.pipeline.PrepareUpload(s.cfg.SessionID)
	}); doErr != nil {
		return s.loopErr(doErr)
	}
	if err != nil {
		return err
	}

	req := job.Request()
	s.logger.Info("загрузка записи",
		zap.String("file", req.FileName),
		zap.Int("size", len(req.Data)),
		zap.Int("duration_seconds", req.DurationSeconds))

	err = job.Run(ctx)
	s.metrics.Upload(err)
	return err
}

// SendChat отправляет сообщение в чат
func (s *Session) SendChat(text string) error {
	return s.chat.SendMessage(text)
}

// Messages лента чата в порядке получения
func (s *Session) Messages() []chat.Message {
	return s.chat.Messages()
}

// Status текущие индикаторы. После завершения возвращает последний снимок.
func (s *Session) Status() Status {
	var status Status
	if err := s.loop.Do(context.Background(), func() { status = s.snapshot() }); err == nil {
		return status
	}
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	if s.final != nil {
		return *s.final
	}
	return Status{SessionID: s.cfg.SessionID, Role: s.cfg.Role, Ended: true}
}

func (s *Session) snapshot() Status {
	status := Status{
		SessionID:      s.cfg.SessionID,
		Role:           s.cfg.Role,
		MediaReady:     s.mediaReady,
		MediaError:     s.mediaErr,
		VideoEnabled:   s.mediaReady && s.guard.VideoEnabled(),
		AudioEnabled:   s.mediaReady && s.guard.AudioEnabled(),
		Signaling:      s.signalingState,
		SignalingError: s.signalingErr,
		Chat:           s.chatState,
		ChatError:      s.chatErr,
		HistoryError:   s.historyErr,
		Peer:           s.machine.State(),
		PeerPresent:    s.machine.PeerPresent(),
		RemoteStream:   s.machine.RemoteStream() != nil,
		Recording:      s.pipeline.Snapshot(),
		StartedAt:      s.startedAt,
	}
	if !s.startedAt.IsZero() {
		status.Elapsed = s.now().Sub(s.startedAt)
	}
	return status
}

func (s *Session) statusChanged() {
	if s.ending {
		return
	}
	s.hooksMu.Lock()
	fn := s.onStatus
	s.hooksMu.Unlock()
	if fn != nil {
		fn(s.snapshot())
	}
}

func (s *Session) loopErr(err error) error {
	if errors.Is(err, eventloop.ErrClosed) {
		return ErrSessionEnded
	}
	return err
}
