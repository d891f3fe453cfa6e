package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/signaling"
)

// Config зависимости машины состояний
type Config struct {
	Factory  ConnectionFactory
	Signaler Signaler
	// Poster цикл событий сессии. Колбэки соединения возвращаются через него.
	Poster eventloop.Poster
	Logger *zap.Logger
}

// Machine конечный автомат peer соединения:
// Idle → AwaitingPeer → Negotiating → Connected → Ended.
//
// Не потокобезопасен: все методы вызываются из цикла событий сессии.
type Machine struct {
	fsm      *fsm.FSM
	factory  ConnectionFactory
	signaler Signaler
	poster   eventloop.Poster
	logger   *zap.Logger

	localStream *capture.Stream

	conn              Connection
	remoteDescSet     bool
	pendingCandidates []signaling.Candidate

	remote      *RemoteStream
	peerPresent bool

	onStateChange  func(from, to State)
	onEnded        func()
	onRemoteStream func(stream *RemoteStream)
	onFailure      func(msgType signaling.Type, err error)
}

// NewMachine создает машину в состоянии Idle
func NewMachine(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		factory:  cfg.Factory,
		signaler: cfg.Signaler,
		poster:   cfg.Poster,
		logger:   logger.Named("peer"),
	}
	if m.poster == nil {
		m.poster = immediate{}
	}
	m.initStateMachine()
	return m
}

// initStateMachine инициализирует конечный автомат состояний
func (m *Machine) initStateMachine() {
	m.fsm = fsm.NewFSM(
		fsmIdle,
		fsm.Events{
			// Сигнальный сокет открыт, присутствие объявлено
			{Name: evAnnounce, Src: []string{fsmIdle}, Dst: fsmAwaitingPeer},
			// Отправлено предложение или ответ
			{Name: evNegotiate, Src: []string{fsmIdle, fsmAwaitingPeer}, Dst: fsmNegotiating},
			// Пришел удаленный трек
			{Name: evConnect, Src: []string{fsmNegotiating}, Dst: fsmConnected},
			// Собеседник ушел
			{Name: evPeerLeft, Src: []string{fsmIdle, fsmNegotiating, fsmConnected}, Dst: fsmAwaitingPeer},
			// Завершение звонка
			{Name: evEnd, Src: []string{fsmIdle, fsmAwaitingPeer, fsmNegotiating, fsmConnected}, Dst: fsmEnded},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.logger.Info("смена состояния",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}

// OnStateChange устанавливает обработчик смены состояния
func (m *Machine) OnStateChange(fn func(from, to State)) { m.onStateChange = fn }

// OnEnded устанавливает обработчик перехода в Ended. Вызывается один раз.
func (m *Machine) OnEnded(fn func()) { m.onEnded = fn }

// OnRemoteStream устанавливает обработчик появления и сброса удаленного потока
func (m *Machine) OnRemoteStream(fn func(stream *RemoteStream)) { m.onRemoteStream = fn }

// OnFailure устанавливает обработчик отброшенных сигнальных сообщений
func (m *Machine) OnFailure(fn func(msgType signaling.Type, err error)) { m.onFailure = fn }

// SetLocalStream задает локальные треки для будущих соединений.
// nil означает звонок без локального медиа.
func (m *Machine) SetLocalStream(stream *capture.Stream) {
	m.localStream = stream
}

// State текущее состояние
func (m *Machine) State() State {
	return parseState(m.fsm.Current())
}

// RemoteStream дескриптор удаленного потока или nil
func (m *Machine) RemoteStream() *RemoteStream {
	if m.remote == nil {
		return nil
	}
	cp := *m.remote
	cp.Tracks = append([]RemoteTrack(nil), m.remote.Tracks...)
	return &cp
}

// PeerPresent флаг присутствия собеседника
func (m *Machine) PeerPresent() bool {
	return m.peerPresent
}

// HasConnection сообщает, существует ли объект соединения
func (m *Machine) HasConnection() bool {
	return m.conn != nil
}

// PendingCandidates число буферизованных удаленных кандидатов
func (m *Machine) PendingCandidates() int {
	return len(m.pendingCandidates)
}

// Announce переводит Idle → AwaitingPeer после открытия сигнального сокета
func (m *Machine) Announce(ctx context.Context) {
	if m.State() != StateIdle {
		return
	}
	m.fire(ctx, evAnnounce)
}

// HandleMessage обрабатывает одно сигнальное сообщение. Ошибка обработки
// логируется и возвращается, но не меняет жизненный цикл сессии.
// После Ended сообщения отбрасываются с ErrEnded.
func (m *Machine) HandleMessage(ctx context.Context, msg signaling.Message) error {
	if m.State() == StateEnded {
		m.logger.Debug("сообщение после завершения звонка проигнорировано", zap.String("type", string(msg.Type())))
		return ErrEnded
	}

	var err error
	switch v := msg.(type) {
	case signaling.PeerJoined:
		err = m.handlePeerJoined(ctx, v)
	case signaling.PeerLeft:
		m.handlePeerLeft(ctx, v)
	case signaling.Offer:
		err = m.handleOffer(ctx, v)
	case signaling.Answer:
		err = m.handleAnswer(ctx, v)
	case signaling.ICECandidate:
		err = m.handleRemoteCandidate(v)
	case signaling.CallEnded:
		m.logger.Info("собеседник завершил звонок", zap.String("from", v.From.UserName))
		m.End(ctx)
	default:
		err = fmt.Errorf("%w: %T", signaling.ErrMalformedMessage, msg)
	}

	if err != nil {
		m.fail(msg.Type(), err)
		return &NegotiationError{Type: msg.Type(), Err: err}
	}
	return nil
}

// End закрывает соединение и переводит машину в Ended. Повторный вызов
// ничего не делает.
func (m *Machine) End(ctx context.Context) {
	if m.State() == StateEnded {
		return
	}
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("ошибка закрытия соединения", zap.Error(err))
		}
		m.conn = nil
	}
	m.remoteDescSet = false
	m.pendingCandidates = nil
	m.remote = nil
	m.peerPresent = false
	m.fire(ctx, evEnd)
}

func (m *Machine) handlePeerJoined(ctx context.Context, msg signaling.PeerJoined) error {
	m.peerPresent = true
	m.logger.Info("собеседник подключился",
		zap.String("user_id", msg.UserID),
		zap.String("role", msg.Role),
		zap.Int("peer_count", msg.PeerCount))

	if m.conn != nil {
		return ErrRenegotiationUnsupported
	}
	if !m.fsm.Can(evNegotiate) {
		return fmt.Errorf("peer-joined в состоянии %s", m.State())
	}
	return m.startOffer(ctx)
}

func (m *Machine) startOffer(ctx context.Context) error {
	conn, err := m.newConnection()
	if err != nil {
		return err
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		m.discard(conn)
		return fmt.Errorf("создание предложения: %w", err)
	}

	if err := m.signaler.Send(signaling.Offer{SDP: offer}); err != nil {
		m.logger.Warn("предложение не отправлено", zap.Error(err))
	}
	m.logger.Info("отправлено предложение")
	m.fire(ctx, evNegotiate)
	return nil
}

func (m *Machine) handleOffer(ctx context.Context, msg signaling.Offer) error {
	if m.conn != nil {
		return ErrRenegotiationUnsupported
	}
	if !m.fsm.Can(evNegotiate) {
		return fmt.Errorf("предложение в состоянии %s", m.State())
	}

	conn, err := m.newConnection()
	if err != nil {
		return err
	}

	if err := conn.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeOffer, SDP: msg.SDP}); err != nil {
		m.discard(conn)
		return fmt.Errorf("установка удаленного предложения: %w", err)
	}

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		m.discard(conn)
		return fmt.Errorf("создание ответа: %w", err)
	}

	m.remoteDescSet = true
	m.flushCandidates()

	if err := m.signaler.Send(signaling.Answer{SDP: answer}); err != nil {
		m.logger.Warn("ответ не отправлен", zap.Error(err))
	}
	m.logger.Info("отправлен ответ на предложение", zap.String("from", msg.From.UserName))
	m.fire(ctx, evNegotiate)
	return nil
}

func (m *Machine) handleAnswer(ctx context.Context, msg signaling.Answer) error {
	if m.conn == nil {
		return ErrNoConnection
	}
	if m.remoteDescSet {
		return ErrRenegotiationUnsupported
	}
	if err := m.conn.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		return fmt.Errorf("установка удаленного ответа: %w", err)
	}
	m.remoteDescSet = true
	m.flushCandidates()
	m.logger.Info("применен ответ", zap.String("from", msg.From.UserName))
	return nil
}

func (m *Machine) handleRemoteCandidate(msg signaling.ICECandidate) error {
	if m.conn == nil || !m.remoteDescSet {
		m.pendingCandidates = append(m.pendingCandidates, msg.Candidate)
		m.logger.Debug("кандидат буферизован", zap.Int("pending", len(m.pendingCandidates)))
		return nil
	}
	if err := m.conn.AddICECandidate(msg.Candidate); err != nil {
		return fmt.Errorf("добавление кандидата: %w", err)
	}
	return nil
}

func (m *Machine) flushCandidates() {
	pending := m.pendingCandidates
	m.pendingCandidates = nil
	for _, c := range pending {
		if err := m.conn.AddICECandidate(c); err != nil {
			m.fail(signaling.TypeICECandidate, fmt.Errorf("добавление буферизованного кандидата: %w", err))
		}
	}
	if len(pending) > 0 {
		m.logger.Debug("буферизованные кандидаты применены", zap.Int("count", len(pending)))
	}
}

func (m *Machine) handlePeerLeft(ctx context.Context, msg signaling.PeerLeft) {
	m.logger.Info("собеседник покинул звонок",
		zap.String("user_id", msg.UserID),
		zap.Int("peer_count", msg.PeerCount))

	m.peerPresent = false
	if m.remote != nil {
		m.remote = nil
		if m.onRemoteStream != nil {
			m.onRemoteStream(nil)
		}
	}
	if m.fsm.Can(evPeerLeft) {
		m.fire(ctx, evPeerLeft)
	}
}

// newConnection создает соединение, подключает локальные треки и колбэки
func (m *Machine) newConnection() (Connection, error) {
	if m.factory == nil {
		return nil, errors.New("фабрика соединений не задана")
	}
	conn, err := m.factory()
	if err != nil {
		return nil, fmt.Errorf("создание соединения: %w", err)
	}

	if m.localStream != nil {
		for _, track := range m.localStream.Tracks() {
			if err := conn.AddTrack(track); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("добавление трека %s: %w", track.Kind(), err)
			}
		}
	}

	conn.OnTrack(func(track RemoteTrack) {
		m.poster.Post(func() { m.handleRemoteTrack(conn, track) })
	})
	conn.OnICECandidate(func(c signaling.Candidate) {
		m.poster.Post(func() { m.handleLocalCandidate(conn, c) })
	})

	m.conn = conn
	m.remoteDescSet = false
	return conn, nil
}

// discard закрывает соединение, созданное сообщением, которое не удалось обработать
func (m *Machine) discard(conn Connection) {
	if err := conn.Close(); err != nil {
		m.logger.Debug("ошибка закрытия отброшенного соединения", zap.Error(err))
	}
	if m.conn == conn {
		m.conn = nil
		m.remoteDescSet = false
	}
}

func (m *Machine) handleRemoteTrack(conn Connection, track RemoteTrack) {
	if m.conn != conn {
		return
	}
	state := m.State()
	if state != StateNegotiating && state != StateConnected {
		m.logger.Debug("удаленный трек вне согласования", zap.String("state", state.String()))
		return
	}

	if m.remote == nil {
		m.remote = &RemoteStream{ID: track.StreamID}
	}
	m.remote.Tracks = append(m.remote.Tracks, track)
	m.logger.Info("получен удаленный трек",
		zap.String("kind", track.Kind.String()),
		zap.String("codec", track.Codec))

	if m.onRemoteStream != nil {
		m.onRemoteStream(m.RemoteStream())
	}
	if state == StateNegotiating {
		m.fire(context.Background(), evConnect)
	}
}

func (m *Machine) handleLocalCandidate(conn Connection, c signaling.Candidate) {
	if m.conn != conn || m.State() == StateEnded {
		return
	}
	if err := m.signaler.Send(signaling.ICECandidate{Candidate: c}); err != nil {
		m.logger.Debug("кандидат не отправлен", zap.Error(err))
	}
}

// fire выполняет событие автомата и вызывает обработчики после перехода.
// Обработчики не вызываются из колбэков fsm.
func (m *Machine) fire(ctx context.Context, event string) bool {
	from := m.State()
	if err := m.fsm.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			m.logger.Warn("недопустимый переход", zap.String("event", event), zap.String("state", from.String()), zap.Error(err))
		}
		return false
	}
	to := m.State()

	if m.onStateChange != nil {
		m.onStateChange(from, to)
	}
	if to == StateEnded && m.onEnded != nil {
		m.onEnded()
	}
	return true
}

func (m *Machine) fail(msgType signaling.Type, err error) {
	m.logger.Warn("сигнальное сообщение отброшено",
		zap.String("type", string(msgType)),
		zap.String("state", m.State().String()),
		zap.Error(err))
	if m.onFailure != nil {
		m.onFailure(msgType, err)
	}
}

// immediate выполняет задачу сразу, без цикла событий
type immediate struct{}

func (immediate) Post(fn func()) bool {
	fn()
	return true
}
