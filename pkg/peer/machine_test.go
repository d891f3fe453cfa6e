package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/signaling"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

// fakeConn объект соединения без сети. Удаленный трек приходит
// при установке удаленного описания, как в браузере.
type fakeConn struct {
	mu          sync.Mutex
	tracks      []capture.LocalTrack
	remoteDescs []SessionDescription
	candidates  []signaling.Candidate
	closed      bool
	onTrack     func(RemoteTrack)
	onICE       func(signaling.Candidate)
}

func (f *fakeConn) AddTrack(track capture.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeConn) CreateOffer(context.Context) (string, error) {
	f.emitCandidate()
	return testSDP, nil
}

func (f *fakeConn) CreateAnswer(context.Context) (string, error) {
	f.emitCandidate()
	return testSDP, nil
}

func (f *fakeConn) SetRemoteDescription(_ context.Context, desc SessionDescription) error {
	if err := signaling.ValidateSDP(desc.SDP); err != nil {
		return err
	}
	f.mu.Lock()
	f.remoteDescs = append(f.remoteDescs, desc)
	onTrack := f.onTrack
	f.mu.Unlock()

	if onTrack != nil {
		onTrack(RemoteTrack{ID: "remote-audio", StreamID: "remote", Kind: capture.TrackKindAudio, Codec: "PCMU"})
	}
	return nil
}

func (f *fakeConn) AddICECandidate(c signaling.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.remoteDescs) == 0 {
		return errors.New("remote description не установлен")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeConn) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeConn) OnICECandidate(fn func(signaling.Candidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) emitCandidate() {
	f.mu.Lock()
	onICE := f.onICE
	f.mu.Unlock()
	if onICE != nil {
		go onICE(signaling.Candidate{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"})
	}
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// side один участник звонка со своим циклом событий
type side struct {
	name    string
	loop    *eventloop.Loop
	machine *Machine
	peer    *side

	mu       sync.Mutex
	conns    []*fakeConn
	sent     []signaling.Type
	failures []error
	ended    int
}

func newSide(t *testing.T, name string) *side {
	t.Helper()
	s := &side{name: name, loop: eventloop.New()}
	t.Cleanup(s.loop.Close)

	s.machine = NewMachine(Config{
		Factory: func() (Connection, error) {
			c := &fakeConn{}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			return c, nil
		},
		Signaler: s,
		Poster:   s.loop,
	})
	s.machine.OnEnded(func() {
		s.mu.Lock()
		s.ended++
		s.mu.Unlock()
	})
	s.machine.OnFailure(func(_ signaling.Type, err error) {
		s.mu.Lock()
		s.failures = append(s.failures, err)
		s.mu.Unlock()
	})
	return s
}

// Send передает сообщение собеседнику через кодек, как это делает relay
func (s *side) Send(msg signaling.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg.Type())
	peer := s.peer
	s.mu.Unlock()

	if peer == nil {
		return nil
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := signaling.Decode(data)
	if err != nil {
		return err
	}
	peer.deliver(decoded)
	return nil
}

func (s *side) deliver(msg signaling.Message) {
	s.loop.Post(func() { _ = s.machine.HandleMessage(context.Background(), msg) })
}

func (s *side) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, s.loop.Do(context.Background(), fn))
}

func (s *side) state(t *testing.T) State {
	var st State
	s.do(t, func() { st = s.machine.State() })
	return st
}

func (s *side) countSent(typ signaling.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.sent {
		if v == typ {
			n++
		}
	}
	return n
}

func link(a, b *side) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func waitState(t *testing.T, s *side, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.state(t) == want },
		2*time.Second, 5*time.Millisecond, "%s: ожидалось состояние %s", s.name, want)
}

// === ТЕСТЫ СОГЛАСОВАНИЯ ===

// TestLocalFirstReachesConnected тестирует сценарий "локальный участник первым"
// Проверяет:
// - peer-joined у первого участника порождает предложение
// - Ответ собеседника приводит обе стороны в Connected
// - Удаленный поток появляется
func TestLocalFirstReachesConnected(t *testing.T) {
	local := newSide(t, "local")
	remote := newSide(t, "remote")
	link(local, remote)

	local.do(t, func() { local.machine.Announce(context.Background()) })
	assert.Equal(t, StateAwaitingPeer, local.state(t))

	remote.do(t, func() { remote.machine.Announce(context.Background()) })
	local.deliver(signaling.PeerJoined{UserID: "2", Role: "doctor", PeerCount: 2})

	waitState(t, local, StateConnected)
	waitState(t, remote, StateConnected)

	local.do(t, func() {
		stream := local.machine.RemoteStream()
		if assert.NotNil(t, stream) {
			assert.Equal(t, "remote", stream.ID)
		}
		assert.True(t, local.machine.PeerPresent())
	})

	assert.Equal(t, 1, local.countSent(signaling.TypeOffer))
	assert.Equal(t, 0, local.countSent(signaling.TypeAnswer))
	assert.Equal(t, 1, remote.countSent(signaling.TypeAnswer))
	assert.Equal(t, 0, remote.countSent(signaling.TypeOffer))
}

// TestSingleOfferInitiator тестирует оба порядка подключения участников
// Проверяет:
// - Ровно одна сторона отправляет предложение
// - Ровно одна сторона отправляет ответ
func TestSingleOfferInitiator(t *testing.T) {
	tests := []struct {
		name       string
		doctorJoin bool
	}{
		{name: "Пациент подключился первым", doctorJoin: false},
		{name: "Врач подключился первым", doctorJoin: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patient := newSide(t, "patient")
			doctor := newSide(t, "doctor")
			link(patient, doctor)

			first, second := patient, doctor
			if tt.doctorJoin {
				first, second = doctor, patient
			}

			first.do(t, func() { first.machine.Announce(context.Background()) })
			second.do(t, func() { second.machine.Announce(context.Background()) })
			// relay сообщает о новом участнике только тем, кто уже в комнате
			first.deliver(signaling.PeerJoined{UserID: second.name, PeerCount: 2})

			waitState(t, first, StateConnected)
			waitState(t, second, StateConnected)

			offers := first.countSent(signaling.TypeOffer) + second.countSent(signaling.TypeOffer)
			answers := first.countSent(signaling.TypeAnswer) + second.countSent(signaling.TypeAnswer)
			assert.Equal(t, 1, offers)
			assert.Equal(t, 1, answers)
			assert.Equal(t, 1, first.countSent(signaling.TypeOffer))
		})
	}
}

// TestCallEndedWhileNegotiating тестирует завершение во время согласования
// Проверяет:
// - Переход Negotiating → Ended напрямую
// - Объект соединения закрыт
// - Последующие сообщения не обрабатываются и возвращают ErrEnded
func TestCallEndedWhileNegotiating(t *testing.T) {
	local := newSide(t, "local")

	local.do(t, func() { local.machine.Announce(context.Background()) })
	local.deliver(signaling.PeerJoined{UserID: "2"})
	waitState(t, local, StateNegotiating)

	local.deliver(signaling.CallEnded{})
	waitState(t, local, StateEnded)

	local.mu.Lock()
	require.Len(t, local.conns, 1)
	conn := local.conns[0]
	local.mu.Unlock()
	assert.True(t, conn.isClosed())

	local.deliver(signaling.Answer{SDP: testSDP})
	local.deliver(signaling.Offer{SDP: testSDP})
	local.do(t, func() {
		assert.Equal(t, StateEnded, local.machine.State())
		assert.False(t, local.machine.HasConnection())
		assert.ErrorIs(t, local.machine.HandleMessage(context.Background(), signaling.PeerJoined{UserID: "2"}), ErrEnded)
		local.machine.End(context.Background())
	})

	conn.mu.Lock()
	assert.Empty(t, conn.remoteDescs)
	conn.mu.Unlock()

	local.mu.Lock()
	assert.Equal(t, 1, local.ended)
	assert.Len(t, local.conns, 1)
	local.mu.Unlock()
}

// TestBadOfferDoesNotBlockNext тестирует пропуск одного плохого сообщения
// Проверяет:
// - Соединение, созданное плохим предложением, закрыто и отброшено
// - Следующее валидное предложение обрабатывается
func TestBadOfferDoesNotBlockNext(t *testing.T) {
	local := newSide(t, "local")
	local.do(t, func() { local.machine.Announce(context.Background()) })

	local.deliver(signaling.Offer{SDP: "совсем не sdp"})
	local.deliver(signaling.Offer{SDP: testSDP})

	waitState(t, local, StateConnected)

	local.mu.Lock()
	defer local.mu.Unlock()
	require.Len(t, local.conns, 2)
	assert.True(t, local.conns[0].isClosed())
	assert.False(t, local.conns[1].isClosed())
	assert.Len(t, local.failures, 1)
	assert.ErrorIs(t, local.failures[0], signaling.ErrMalformedMessage)
}

// TestCandidatesBufferedUntilRemoteDescription тестирует буферизацию кандидатов
func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	local := newSide(t, "local")
	local.do(t, func() { local.machine.Announce(context.Background()) })

	for _, c := range []string{"candidate:a", "candidate:b"} {
		local.deliver(signaling.ICECandidate{Candidate: signaling.Candidate{Candidate: c}})
	}
	local.do(t, func() {
		assert.Equal(t, 2, local.machine.PendingCandidates())
		assert.False(t, local.machine.HasConnection())
	})

	local.deliver(signaling.Offer{SDP: testSDP})
	local.deliver(signaling.ICECandidate{Candidate: signaling.Candidate{Candidate: "candidate:c"}})
	waitState(t, local, StateConnected)

	local.do(t, func() { assert.Zero(t, local.machine.PendingCandidates()) })

	local.mu.Lock()
	conn := local.conns[0]
	local.mu.Unlock()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.candidates, 3)
	assert.Equal(t, "candidate:a", conn.candidates[0].Candidate)
	assert.Equal(t, "candidate:b", conn.candidates[1].Candidate)
	assert.Equal(t, "candidate:c", conn.candidates[2].Candidate)
}

// TestPeerLeftKeepsConnection тестирует уход собеседника
// Проверяет:
// - Connected → AwaitingPeer, удаленный поток сброшен
// - Объект соединения не закрыт
// - Повторный peer-joined отклоняется без нового соединения
func TestPeerLeftKeepsConnection(t *testing.T) {
	local := newSide(t, "local")
	local.do(t, func() { local.machine.Announce(context.Background()) })
	local.deliver(signaling.Offer{SDP: testSDP})
	waitState(t, local, StateConnected)

	local.deliver(signaling.PeerLeft{UserID: "2", PeerCount: 1})
	waitState(t, local, StateAwaitingPeer)

	local.do(t, func() {
		assert.Nil(t, local.machine.RemoteStream())
		assert.False(t, local.machine.PeerPresent())
		assert.True(t, local.machine.HasConnection())
	})

	local.deliver(signaling.PeerJoined{UserID: "2", PeerCount: 2})
	local.do(t, func() {
		assert.True(t, local.machine.PeerPresent())
		assert.Equal(t, StateAwaitingPeer, local.machine.State())
	})

	local.mu.Lock()
	defer local.mu.Unlock()
	assert.Len(t, local.conns, 1)
	assert.False(t, local.conns[0].isClosed())
	require.NotEmpty(t, local.failures)
	assert.ErrorIs(t, local.failures[len(local.failures)-1], ErrRenegotiationUnsupported)
}

// TestLocalTracksAttached тестирует подключение локальных треков к соединению
func TestLocalTracksAttached(t *testing.T) {
	local := newSide(t, "local")
	stream, err := capture.NewSyntheticDevice(capture.DefaultSyntheticConfig()).
		GetUserMedia(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, tr := range stream.Tracks() {
			_ = tr.Stop()
		}
	})

	local.do(t, func() {
		local.machine.SetLocalStream(stream)
		local.machine.Announce(context.Background())
	})
	local.deliver(signaling.PeerJoined{UserID: "2"})
	waitState(t, local, StateNegotiating)

	local.mu.Lock()
	conn := local.conns[0]
	local.mu.Unlock()
	conn.mu.Lock()
	assert.Len(t, conn.tracks, 2)
	conn.mu.Unlock()

	// локальный кандидат уходит собеседнику
	require.Eventually(t, func() bool { return local.countSent(signaling.TypeICECandidate) == 1 },
		time.Second, 5*time.Millisecond)
}
