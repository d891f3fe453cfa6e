package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Guard владеет локальным медиа потоком сессии: захватывает камеру и микрофон,
// переключает mute и освобождает устройства ровно один раз.
//
// Все методы потокобезопасны.
type Guard struct {
	device      Device
	constraints Constraints
	logger      *zap.Logger

	mu           sync.Mutex
	stream       *Stream
	released     bool
	audioEnabled bool
	videoEnabled bool

	releaseOnce sync.Once
}

// NewGuard создает guard поверх устройства
func NewGuard(device Device, constraints Constraints, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		device:       device,
		constraints:  constraints,
		logger:       logger.Named("capture"),
		audioEnabled: true,
		videoEnabled: true,
	}
}

// Acquire запрашивает камеру и микрофон. Повторный вызов возвращает уже
// захваченный поток. После Release возвращает ErrDeviceUnavailable.
func (g *Guard) Acquire(ctx context.Context) (*Stream, error) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "guard уже освобожден", nil)
	}
	if g.stream != nil {
		s := g.stream
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	if g.device == nil {
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "устройство не задано", nil)
	}

	stream, err := g.device.GetUserMedia(ctx, g.constraints)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "не удалось получить медиа поток", err)
	}
	if stream == nil {
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "устройство вернуло пустой поток", nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Сессия могла завершиться, пока ждали устройство
	if g.released {
		stopTracks(g.logger, stream)
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "guard освобожден во время захвата", nil)
	}

	g.stream = stream
	for _, t := range stream.Tracks() {
		switch t.Kind() {
		case TrackKindAudio:
			t.SetEnabled(g.audioEnabled)
		case TrackKindVideo:
			t.SetEnabled(g.videoEnabled)
		}
	}

	g.logger.Info("медиа поток захвачен",
		zap.String("stream_id", stream.ID()),
		zap.Int("tracks", len(stream.tracks)))
	return stream, nil
}

// Stream возвращает захваченный поток или nil
func (g *Guard) Stream() *Stream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stream
}

// SetVideoEnabled включает или выключает видео треки
func (g *Guard) SetVideoEnabled(enabled bool) {
	g.setEnabled(TrackKindVideo, enabled)
}

// SetAudioEnabled включает или выключает аудио треки
func (g *Guard) SetAudioEnabled(enabled bool) {
	g.setEnabled(TrackKindAudio, enabled)
}

// VideoEnabled текущее состояние видео
func (g *Guard) VideoEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.videoEnabled
}

// AudioEnabled текущее состояние микрофона
func (g *Guard) AudioEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audioEnabled
}

func (g *Guard) setEnabled(kind TrackKind, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch kind {
	case TrackKindAudio:
		g.audioEnabled = enabled
	case TrackKindVideo:
		g.videoEnabled = enabled
	}

	if g.stream == nil || g.released {
		return
	}
	for _, t := range g.stream.TracksOfKind(kind) {
		t.SetEnabled(enabled)
	}
}

// Release останавливает все треки. Идемпотентен и никогда не паникует.
func (g *Guard) Release() {
	g.releaseOnce.Do(func() {
		g.mu.Lock()
		g.released = true
		stream := g.stream
		g.mu.Unlock()

		if stream == nil {
			g.logger.Debug("освобождение без захваченного потока")
			return
		}
		stopTracks(g.logger, stream)
		g.logger.Info("медиа поток освобожден", zap.String("stream_id", stream.ID()))
	})
}

// Released сообщает, был ли guard освобожден
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

func stopTracks(logger *zap.Logger, stream *Stream) {
	for _, t := range stream.Tracks() {
		if err := stopTrack(t); err != nil {
			logger.Warn("ошибка остановки трека",
				zap.String("track_id", t.ID()),
				zap.String("kind", t.Kind().String()),
				zap.Error(err))
		}
	}
}

func stopTrack(t LocalTrack) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при остановке трека: %v", r)
		}
	}()
	return t.Stop()
}
