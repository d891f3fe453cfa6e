package peer

import "fmt"

// State состояние peer соединения
type State int

const (
	StateIdle State = iota
	StateAwaitingPeer
	StateNegotiating
	StateConnected
	StateEnded
)

// Имена состояний и событий конечного автомата
const (
	fsmIdle         = "idle"
	fsmAwaitingPeer = "awaiting_peer"
	fsmNegotiating  = "negotiating"
	fsmConnected    = "connected"
	fsmEnded        = "ended"

	evAnnounce  = "announce"
	evNegotiate = "negotiate"
	evConnect   = "connect"
	evPeerLeft  = "peer_left"
	evEnd       = "end"
)

// String возвращает строковое представление состояния
func (s State) String() string {
	switch s {
	case StateIdle:
		return fsmIdle
	case StateAwaitingPeer:
		return fsmAwaitingPeer
	case StateNegotiating:
		return fsmNegotiating
	case StateConnected:
		return fsmConnected
	case StateEnded:
		return fsmEnded
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal сообщает, является ли состояние конечным
func (s State) IsTerminal() bool {
	return s == StateEnded
}

func parseState(s string) State {
	switch s {
	case fsmIdle:
		return StateIdle
	case fsmAwaitingPeer:
		return StateAwaitingPeer
	case fsmNegotiating:
		return StateNegotiating
	case fsmConnected:
		return StateConnected
	case fsmEnded:
		return StateEnded
	default:
		return StateIdle
	}
}
