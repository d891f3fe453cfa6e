package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/chat"
	"github.com/arzzra/telehealth/pkg/peer"
	"github.com/arzzra/telehealth/pkg/recording"
	"github.com/arzzra/telehealth/pkg/signaling"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

// === ФЕЙКИ ===

// fakeTrack трек, считающий остановки
type fakeTrack struct {
	id   string
	kind capture.TrackKind

	mu      sync.Mutex
	enabled bool
	stops   int
	done    chan struct{}
}

func newFakeTrack(id string, kind capture.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true, done: make(chan struct{})}
}

func (t *fakeTrack) ID() string {
	return t.id
}

func (t *fakeTrack) Kind() capture.TrackKind {
	return t.kind
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) NewReader() (capture.TrackReader, error) {
	return &fakeReader{done: t.done, closed: make(chan struct{})}, nil
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if t.stops == 1 {
		close(t.done)
	}
	return nil
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops > 0
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeReader struct {
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (r *fakeReader) ReadRTP() (*rtp.Packet, error) {
	select {
	case <-r.done:
	case <-r.closed:
	}
	return nil, io.EOF
}

func (r *fakeReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

// fakeDevice выдает поток из двух fakeTrack или ошибку
type fakeDevice struct {
	err   error
	audio *fakeTrack
	video *fakeTrack
	mu    sync.Mutex
	calls int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		audio: newFakeTrack("mic", capture.TrackKindAudio),
		video: newFakeTrack("cam", capture.TrackKindVideo),
	}
}

func (d *fakeDevice) GetUserMedia(context.Context, capture.Constraints) (*capture.Stream, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return capture.NewStream("local", d.audio, d.video), nil
}

// fakeConn peer соединение без сети
type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	onTrack func(peer.RemoteTrack)
}

func (f *fakeConn) AddTrack(capture.LocalTrack) error {
	return nil
}

func (f *fakeConn) CreateOffer(context.Context) (string, error) {
	return testSDP, nil
}

func (f *fakeConn) CreateAnswer(context.Context) (string, error) {
	return testSDP, nil
}

func (f *fakeConn) AddICECandidate(signaling.Candidate) error {
	return nil
}

func (f *fakeConn) OnICECandidate(func(signaling.Candidate)) {}

func (f *fakeConn) SetRemoteDescription(_ context.Context, desc peer.SessionDescription) error {
	if err := signaling.ValidateSDP(desc.SDP); err != nil {
		return err
	}
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(peer.RemoteTrack{ID: "remote-audio", StreamID: "remote", Kind: capture.TrackKindAudio})
	}
	return nil
}

func (f *fakeConn) OnTrack(fn func(peer.RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeHistory struct {
	messages []chat.Message
	err      error

	// loading закрывается при запросе, ответ ждет release
	loading chan struct{}
	release chan struct{}
}

func (h *fakeHistory) Load(context.Context, string) ([]chat.Message, error) {
	if h.loading != nil {
		close(h.loading)
		<-h.release
	}
	return h.messages, h.err
}

// fakeRecorder отдает чанки по команде теста
type fakeRecorder struct {
	mu     sync.Mutex
	onData func([]byte)
	stops  int
}

func (r *fakeRecorder) Start(onData func([]byte)) error {
	r.mu.Lock()
	r.onData = onData
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	r.stops++
	r.onData = nil
	r.mu.Unlock()
}

func (r *fakeRecorder) Format() recording.Format {
	return recording.Format{MimeType: "video/webm", Extension: "webm"}
}

func (r *fakeRecorder) emit(size int) {
	r.mu.Lock()
	fn := r.onData
	r.mu.Unlock()
	if fn != nil {
		fn(make([]byte, size))
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	requests []recording.UploadRequest
}

func (u *fakeUploader) Upload(_ context.Context, req recording.UploadRequest, progress func(int)) error {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	progress(50)
	return nil
}

// fakeRelay сигнальная комната с управлением из теста и эхо чат
type fakeRelay struct {
	srv    *httptest.Server
	signal chan *websocket.Conn

	mu           sync.Mutex
	signalFrames []string
	signalClosed int
	chatOpened   int
	writeMu      sync.Mutex
	current      *websocket.Conn
	chatConn     *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{signal: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/signal/", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		r.writeMu.Lock()
		r.current = ws
		r.writeMu.Unlock()
		r.signal <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				r.mu.Lock()
				r.signalClosed++
				r.mu.Unlock()
				return
			}
			r.mu.Lock()
			r.signalFrames = append(r.signalFrames, string(data))
			r.mu.Unlock()
		}
	})
	mux.HandleFunc("/ws/chat/", func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		r.mu.Lock()
		r.chatOpened++
		r.mu.Unlock()
		r.writeMu.Lock()
		r.chatConn = ws
		r.writeMu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var in struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(data, &in) != nil {
				continue
			}
			out, _ := json.Marshal(map[string]any{
				"type":        "chat",
				"sender":      "Анна",
				"sender_role": "patient",
				"sender_id":   7,
				"message":     in.Message,
				"timestamp":   "10:05 AM",
			})
			if err := ws.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	})
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) waitSignal(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(waitFor):
		t.Fatal("сигнальный сокет не открыт")
	}
}

func (r *fakeRelay) push(t *testing.T, frame string) {
	t.Helper()
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	require.NotNil(t, r.current)
	require.NoError(t, r.current.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func (r *fakeRelay) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signalFrames...)
}

func (r *fakeRelay) chatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatOpened
}

// dropChat разрывает чат сокет со стороны сервера
func (r *fakeRelay) dropChat(t *testing.T) {
	t.Helper()
	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		r.writeMu.Lock()
		defer r.writeMu.Unlock()
		ws = r.chatConn
		return ws != nil
	}, waitFor, tick, "чат сокет не принят")
	require.NoError(t, ws.Close())
}

func (r *fakeRelay) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signalClosed
}

// === СЬЮТ ===

// SessionSuite тестирует оркестратор сессии против fakeRelay
type SessionSuite struct {
	suite.Suite

	relay    *fakeRelay
	device   *fakeDevice
	history  *fakeHistory
	uploader *fakeUploader
	registry *prometheus.Registry
	metrics  *MetricsCollector

	recMu     sync.Mutex
	recorders []*fakeRecorder
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.relay = newFakeRelay(s.T())
	s.device = newFakeDevice()
	s.history = &fakeHistory{messages: []chat.Message{
		{ID: "1", Kind: chat.KindChat, SenderRole: "doctor", Text: "Здравствуйте"},
		{ID: "2", Kind: chat.KindChat, SenderRole: "patient", Text: "Добрый день"},
	}}
	s.uploader = &fakeUploader{}
	s.registry = prometheus.NewRegistry()
	cfg := DefaultMetricsConfig()
	cfg.Registerer = s.registry
	s.metrics = NewMetricsCollector(cfg)
	s.recorders = nil
}

func (s *SessionSuite) config() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "42"
	cfg.Role = RoleDoctor
	cfg.Signaling.BaseURL = s.relay.url()
	cfg.Signaling.Token = "tok"
	cfg.Chat.BaseURL = s.relay.url()
	cfg.Chat.Token = "tok"
	return cfg
}

func (s *SessionSuite) newSession(cfg Config) *Session {
	sess, err := New(cfg, Dependencies{
		Device:      s.device,
		PeerFactory: func() (peer.Connection, error) { return &fakeConn{}, nil },
		History:     s.history,
		Uploader:    s.uploader,
		RecorderFactory: func(*capture.Stream, time.Duration) (recording.Recorder, error) {
			r := &fakeRecorder{}
			s.recMu.Lock()
			s.recorders = append(s.recorders, r)
			s.recMu.Unlock()
			return r, nil
		},
		Metrics: s.metrics,
	})
	s.Require().NoError(err)
	s.T().Cleanup(sess.EndCall)
	return sess
}

func (s *SessionSuite) openSession() *Session {
	sess := s.newSession(s.config())
	s.Require().NoError(sess.Open(context.Background()))
	s.relay.waitSignal(s.T())
	s.Eventually(func() bool {
		st := sess.Status()
		return st.Signaling == signaling.ConnOpen && st.Peer == peer.StateAwaitingPeer && st.Chat == chat.ConnOpen
	}, waitFor, tick)
	return sess
}

func (s *SessionSuite) waitDone(sess *Session) {
	select {
	case <-sess.Done():
	case <-time.After(waitFor):
		s.FailNow("сессия не завершилась")
	}
}

// === ТЕСТЫ ОТКРЫТИЯ ===

// TestOpen тестирует последовательность открытия
// Проверяет:
// - Устройство захвачено, история загружена
// - Оба сокета открыты, машина ждет собеседника
func (s *SessionSuite) TestOpen() {
	sess := s.openSession()

	st := sess.Status()
	s.True(st.MediaReady)
	s.NoError(st.MediaError)
	s.True(st.VideoEnabled)
	s.True(st.AudioEnabled)
	s.NoError(st.HistoryError)
	s.False(st.PeerPresent)
	s.Equal("42", st.SessionID)
	s.Equal(RoleDoctor, st.Role)
	s.Len(sess.Messages(), 2)

	s.ErrorIs(sess.Open(context.Background()), ErrAlreadyOpen)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.sessionsActive))
}

// TestDeviceFailureContinues тестирует звонок без локального медиа
func (s *SessionSuite) TestDeviceFailureContinues() {
	s.device.err = capture.ErrPermissionDenied
	sess := s.openSession()

	st := sess.Status()
	s.False(st.MediaReady)
	s.ErrorIs(st.MediaError, capture.ErrPermissionDenied)
	s.False(st.VideoEnabled)

	s.ErrorIs(sess.StartRecording(context.Background()), recording.ErrNoStream)
}

// TestSignalingUnreachable тестирует недоступный сигнальный сервер
func (s *SessionSuite) TestSignalingUnreachable() {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	cfg := s.config()
	cfg.Signaling.BaseURL = deadURL
	sess := s.newSession(cfg)
	s.Require().NoError(sess.Open(context.Background()))

	s.Eventually(func() bool { return sess.Status().Chat == chat.ConnOpen }, waitFor, tick)
	st := sess.Status()
	s.ErrorIs(st.SignalingError, signaling.ErrSignalingUnreachable)
	s.NotEqual(signaling.ConnOpen, st.Signaling)
	s.Equal(peer.StateIdle, st.Peer)
	s.True(st.MediaReady)
}

// TestHistoryFailureContinues тестирует отказ загрузки истории
func (s *SessionSuite) TestHistoryFailureContinues() {
	s.history.err = errors.New("503")
	sess := s.openSession()

	st := sess.Status()
	s.Error(st.HistoryError)
	s.Empty(sess.Messages())
}

// TestEndCallDuringOpen тестирует завершение звонка во время открытия
// Проверяет:
// - Open возвращает ErrSessionEnded после загрузки истории
// - Сокеты не открываются и call-ended не отправляется
// - Устройство освобождено один раз
func (s *SessionSuite) TestEndCallDuringOpen() {
	s.history.loading = make(chan struct{})
	s.history.release = make(chan struct{})
	sess := s.newSession(s.config())

	opened := make(chan error, 1)
	go func() { opened <- sess.Open(context.Background()) }()

	select {
	case <-s.history.loading:
	case <-time.After(waitFor):
		s.FailNow("история не запрошена")
	}
	sess.EndCall()
	close(s.history.release)

	select {
	case err := <-opened:
		s.ErrorIs(err, ErrSessionEnded)
	case <-time.After(waitFor):
		s.FailNow("Open не завершился")
	}

	s.Zero(s.relay.chatCount(), "чат сокет открыт после завершения")
	s.Empty(s.relay.signal, "сигнальный сокет открыт после завершения")
	s.Empty(s.relay.frames())
	s.Equal(1, s.device.audio.stopCount())
	s.True(sess.Status().Ended)
}

// TestChatDropKeepsSignaling тестирует независимость каналов
// Проверяет:
// - Разрыв чата не трогает сигнальный сокет и машину
// - Сигнализация продолжает работать после разрыва
func (s *SessionSuite) TestChatDropKeepsSignaling() {
	sess := s.openSession()

	s.relay.dropChat(s.T())
	s.Eventually(func() bool { return sess.Status().Chat != chat.ConnOpen }, waitFor, tick)

	st := sess.Status()
	s.Equal(signaling.ConnOpen, st.Signaling)
	s.Equal(peer.StateAwaitingPeer, st.Peer)
	s.NoError(st.SignalingError)
	s.True(st.MediaReady)

	s.relay.push(s.T(), `{"type":"peer-joined","user_id":2,"user_name":"Анна","role":"patient","peer_count":2}`)
	s.Eventually(func() bool { return sess.Status().Peer == peer.StateNegotiating }, waitFor, tick)
	s.ErrorIs(sess.SendChat("после разрыва"), chat.ErrChatUnreachable)
}

// === ТЕСТЫ СИГНАЛИНГА ===

// TestPeerJoinedSendsOffer тестирует роль инициатора
func (s *SessionSuite) TestPeerJoinedSendsOffer() {
	sess := s.openSession()

	s.relay.push(s.T(), `{"type":"peer-joined","user_id":2,"user_name":"Анна","role":"patient","peer_count":2}`)

	s.Eventually(func() bool {
		for _, f := range s.relay.frames() {
			if strings.Contains(f, `"type":"offer"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)

	st := sess.Status()
	s.Equal(peer.StateNegotiating, st.Peer)
	s.True(st.PeerPresent)

	sdpJSON, _ := json.Marshal(testSDP)
	s.relay.push(s.T(), `{"type":"answer","sdp":`+string(sdpJSON)+`}`)
	s.Eventually(func() bool {
		st := sess.Status()
		return st.Peer == peer.StateConnected && st.RemoteStream
	}, waitFor, tick)
}

// TestMalformedFrameCounted тестирует пропуск мусорного кадра
func (s *SessionSuite) TestMalformedFrameCounted() {
	sess := s.openSession()

	s.relay.push(s.T(), `{{{`)
	s.relay.push(s.T(), `{"type":"peer-joined","user_id":2,"peer_count":2}`)

	s.Eventually(func() bool { return sess.Status().PeerPresent }, waitFor, tick)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.malformedFrames))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.signalingMessages.WithLabelValues("peer-joined")))
}

// TestRemoteCallEnded тестирует завершение по call-ended
// Проверяет:
// - Сессия завершается с причиной EndRemote
// - Устройство освобождено один раз
// - Сигнальный сокет закрыт
func (s *SessionSuite) TestRemoteCallEnded() {
	sess := s.openSession()

	var reasons []EndReason
	var mu sync.Mutex
	sess.OnEnded(func(r EndReason) {
		mu.Lock()
		reasons = append(reasons, r)
		mu.Unlock()
	})

	s.relay.push(s.T(), `{"type":"call-ended","from_user_id":2}`)
	s.waitDone(sess)

	mu.Lock()
	s.Equal([]EndReason{EndRemote}, reasons)
	mu.Unlock()

	s.Equal(1, s.device.audio.stopCount())
	s.Equal(1, s.device.video.stopCount())
	s.Eventually(func() bool { return s.relay.closedCount() == 1 }, waitFor, tick)

	st := sess.Status()
	s.True(st.Ended)
	s.Equal(peer.StateEnded, st.Peer)
	s.Empty(sess.Messages())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.sessionsTotal.WithLabelValues("remote")))
}

// === ТЕСТЫ ЗАВЕРШЕНИЯ ===

// TestDoubleEndCallReleasesOnce тестирует повторное завершение
func (s *SessionSuite) TestDoubleEndCallReleasesOnce() {
	sess := s.openSession()

	var calls int
	var mu sync.Mutex
	sess.OnEnded(func(EndReason) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.EndCall()
		}()
	}
	wg.Wait()
	sess.EndCall()

	s.Equal(1, s.device.audio.stopCount())
	s.Equal(1, s.device.video.stopCount())
	mu.Lock()
	s.Equal(1, calls)
	mu.Unlock()

	// call-ended отправлен собеседнику
	s.Eventually(func() bool {
		for _, f := range s.relay.frames() {
			if strings.Contains(f, `"type":"call-ended"`) {
				return true
			}
		}
		return false
	}, waitFor, tick)

	s.ErrorIs(sess.StartRecording(context.Background()), ErrSessionEnded)
	s.ErrorIs(sess.Open(context.Background()), ErrSessionEnded)
	s.Equal(0.0, testutil.ToFloat64(s.metrics.sessionsActive))
}

// TestEndCallBeforeOpen тестирует завершение неоткрытой сессии
func (s *SessionSuite) TestEndCallBeforeOpen() {
	sess := s.newSession(s.config())
	sess.EndCall()
	s.waitDone(sess)

	s.Equal(0, s.device.calls)
	s.True(sess.Status().Ended)
}

// TestContextCancelEndsSession тестирует отмену контекста
func (s *SessionSuite) TestContextCancelEndsSession() {
	sess := s.newSession(s.config())

	reason := make(chan EndReason, 1)
	sess.OnEnded(func(r EndReason) { reason <- r })

	ctx, cancel := context.WithCancel(context.Background())
	s.Require().NoError(sess.Open(ctx))
	cancel()

	s.waitDone(sess)
	s.Equal(EndCanceled, <-reason)
	s.Equal(1, s.device.audio.stopCount())
}

// === ТЕСТЫ МЕДИА, ЧАТА И ЗАПИСИ ===

func (s *SessionSuite) TestToggles() {
	sess := s.openSession()

	sess.SetVideoEnabled(false)
	st := sess.Status()
	s.False(st.VideoEnabled)
	s.True(st.AudioEnabled)
	s.False(s.device.video.Enabled())
	s.Equal(0, s.device.video.stopCount(), "трек не удаляется")

	sess.SetAudioEnabled(false)
	sess.SetVideoEnabled(true)
	st = sess.Status()
	s.True(st.VideoEnabled)
	s.False(st.AudioEnabled)
}

// TestChat тестирует отправку и эхо сообщения
func (s *SessionSuite) TestChat() {
	sess := s.openSession()

	got := make(chan chat.Message, 1)
	sess.OnChatMessage(func(m chat.Message) { got <- m })

	s.ErrorIs(sess.SendChat("   "), chat.ErrEmptyMessage)
	s.Require().NoError(sess.SendChat("  как самочувствие?  "))

	select {
	case m := <-got:
		s.Equal("как самочувствие?", m.Text)
		s.Equal("Анна", m.SenderName)
	case <-time.After(waitFor):
		s.FailNow("эхо не получено")
	}

	msgs := sess.Messages()
	s.Require().Len(msgs, 3)
	s.Equal("Здравствуйте", msgs[0].Text)
	s.Equal("как самочувствие?", msgs[2].Text)
}

// TestRecordingFlow тестирует запись и загрузку через сессию
func (s *SessionSuite) TestRecordingFlow() {
	sess := s.openSession()
	ctx := context.Background()

	s.ErrorIs(sess.UploadRecording(ctx), recording.ErrNothingToUpload)
	s.Require().NoError(sess.StartRecording(ctx))
	s.ErrorIs(sess.StartRecording(ctx), recording.ErrAlreadyRecording)

	s.recMu.Lock()
	rec := s.recorders[0]
	s.recMu.Unlock()
	rec.emit(1024)
	rec.emit(2048)

	s.Require().NoError(sess.StopRecording(ctx))
	s.Eventually(func() bool {
		return sess.Status().Recording.State == recording.StateFinalized
	}, waitFor, tick)
	s.Equal(int64(3072), sess.Status().Recording.ArtifactSize)

	s.Require().NoError(sess.UploadRecording(ctx))
	s.Eventually(func() bool {
		return sess.Status().Recording.UploadState == recording.UploadDone
	}, waitFor, tick)

	s.uploader.mu.Lock()
	s.Require().Len(s.uploader.requests, 1)
	s.Equal("42", s.uploader.requests[0].SessionID)
	s.uploader.mu.Unlock()
	s.Equal(1.0, testutil.ToFloat64(s.metrics.uploadsTotal.WithLabelValues("ok")))
}

// TestEndCallStopsRecording тестирует завершение во время записи
func (s *SessionSuite) TestEndCallStopsRecording() {
	sess := s.openSession()
	s.Require().NoError(sess.StartRecording(context.Background()))

	sess.EndCall()

	s.recMu.Lock()
	rec := s.recorders[0]
	s.recMu.Unlock()
	rec.mu.Lock()
	s.Equal(1, rec.stops)
	rec.mu.Unlock()

	st := sess.Status()
	s.Equal(recording.StateIdle, st.Recording.State)
	s.Empty(st.Recording.ArtifactHandle)
}

// === ТЕСТЫ БЕЗ СЬЮТА ===

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want string
	}{
		{"ноль", 0, "00:00"},
		{"секунды", 7 * time.Second, "00:07"},
		{"минуты", 5*time.Minute + 3*time.Second, "05:03"},
		{"больше часа", 61*time.Minute + 5*time.Second, "61:05"},
		{"доли секунды отбрасываются", 1999 * time.Millisecond, "00:01"},
		{"отрицательная", -time.Second, "00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatElapsed(tt.in))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "идентификатор")

	cfg.SessionID = "1"
	cfg.Role = "nurse"
	assert.ErrorContains(t, cfg.Validate(), "nurse")

	cfg.Role = RolePatient
	assert.NoError(t, cfg.Validate())

	_, err = New(Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestDisabledMetrics(t *testing.T) {
	var nilCollector *MetricsCollector
	assert.NotPanics(t, func() {
		nilCollector.SessionOpened()
		nilCollector.Upload(nil)
		NewMetricsCollector(MetricsConfig{}).MalformedFrame()
	})
}
