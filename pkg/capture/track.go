package capture

import (
	"context"

	"github.com/pion/rtp"
)

// TrackKind тип медиа трека
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

func (k TrackKind) String() string {
	return string(k)
}

// TrackReader независимый читатель RTP пакетов трека.
// Каждый потребитель (peer соединение, запись) получает свою копию потока.
type TrackReader interface {
	// ReadRTP блокируется до следующего пакета. После остановки трека или
	// закрытия читателя возвращает io.EOF.
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// LocalTrack локальный аудио или видео трек
type LocalTrack interface {
	ID() string
	Kind() TrackKind

	// Enabled/SetEnabled управляют mute без удаления трека
	Enabled() bool
	SetEnabled(enabled bool)

	// NewReader подписывает нового читателя. Для остановленного трека
	// возвращает ErrTrackStopped.
	NewReader() (TrackReader, error)

	// Stop останавливает трек. Повторный вызов безопасен и возвращает nil.
	Stop() error
	Stopped() bool
}

// Constraints запрашиваемые типы медиа
type Constraints struct {
	Audio bool
	Video bool
}

// DefaultConstraints камера и микрофон
func DefaultConstraints() Constraints {
	return Constraints{Audio: true, Video: true}
}

// Device коллаборатор доступа к камере и микрофону.
// Возвращает ErrDeviceUnavailable или ErrPermissionDenied при отказе.
type Device interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Stream набор локальных треков, полученных от устройства
type Stream struct {
	id     string
	tracks []LocalTrack
}

// NewStream создает поток из треков
func NewStream(id string, tracks ...LocalTrack) *Stream {
	return &Stream{id: id, tracks: tracks}
}

// ID идентификатор потока
func (s *Stream) ID() string {
	return s.id
}

// Tracks возвращает копию списка треков
func (s *Stream) Tracks() []LocalTrack {
	out := make([]LocalTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOfKind возвращает треки указанного типа
func (s *Stream) TracksOfKind(kind TrackKind) []LocalTrack {
	var out []LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}
