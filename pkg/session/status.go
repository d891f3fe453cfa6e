package session

import (
	"fmt"
	"time"

	"github.com/arzzra/telehealth/pkg/chat"
	"github.com/arzzra/telehealth/pkg/peer"
	"github.com/arzzra/telehealth/pkg/recording"
	"github.com/arzzra/telehealth/pkg/signaling"
)

// Role роль локального участника
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid сообщает, известна ли роль
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// EndReason причина завершения сессии
type EndReason int

const (
	// EndLocal пользователь завершил звонок
	EndLocal EndReason = iota
	// EndRemote собеседник прислал call-ended
	EndRemote
	// EndCanceled отменен контекст сессии
	EndCanceled
)

func (r EndReason) String() string {
	switch r {
	case EndLocal:
		return "local"
	case EndRemote:
		return "remote"
	case EndCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

// Status индикаторы состояния сессии. Ошибки каналов не завершают сессию,
// а отображаются здесь.
type Status struct {
	SessionID string
	Role      Role

	MediaReady   bool
	MediaError   error
	VideoEnabled bool
	AudioEnabled bool

	Signaling      signaling.ConnState
	SignalingError error

	Chat         chat.ConnState
	ChatError    error
	HistoryError error

	Peer         peer.State
	PeerPresent  bool
	RemoteStream bool

	Recording recording.Snapshot

	StartedAt time.Time
	Elapsed   time.Duration
	Ended     bool
}

// ElapsedText длительность звонка в формате mm:ss
func (s Status) ElapsedText() string {
	return FormatElapsed(s.Elapsed)
}

// FormatElapsed форматирует длительность как mm:ss. Минуты не ограничены 59.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
