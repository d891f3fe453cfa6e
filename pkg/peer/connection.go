package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/signaling"
)

var (
	// ErrRenegotiationUnsupported повторное согласование при живом соединении
	ErrRenegotiationUnsupported = errors.New("повторное согласование не поддерживается")
	// ErrNoConnection ответ или кандидат без объекта соединения
	ErrNoConnection = errors.New("объект соединения не создан")
	// ErrEnded машина в терминальном состоянии
	ErrEnded = errors.New("звонок завершен")
)

// SDPType тип описания сессии
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription SDP описание с типом
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// RTPReader источник входящих RTP пакетов удаленного трека
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// RemoteTrack удаленный медиа трек
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     capture.TrackKind
	Codec    string

	// Reader может быть nil, если слой согласования не отдает пакеты
	Reader RTPReader
}

// RemoteStream дескриптор удаленного потока. Появляется после прихода
// первого удаленного трека.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// Connection объект соединения слоя согласования (RTCPeerConnection).
// Колбэки OnTrack и OnICECandidate могут вызываться из любой горутины.
type Connection interface {
	AddTrack(track capture.LocalTrack) error

	// CreateOffer создает предложение и устанавливает его локальным описанием
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer создает ответ и устанавливает его локальным описанием
	CreateAnswer(ctx context.Context) (string, error)

	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(candidate signaling.Candidate) error

	OnTrack(fn func(track RemoteTrack))
	OnICECandidate(fn func(candidate signaling.Candidate))

	Close() error
}

// ConnectionFactory создает новый объект соединения
type ConnectionFactory func() (Connection, error)

// Signaler отправитель сигнальных сообщений
type Signaler interface {
	Send(msg signaling.Message) error
}

// NegotiationError ошибка обработки одного сигнального сообщения
type NegotiationError struct {
	Type signaling.Type
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("обработка %s: %v", e.Type, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
