// Package webrtcpeer реализует peer.Connection поверх pion/webrtc.
package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/pkg/capture"
	"github.com/arzzra/telehealth/pkg/peer"
	"github.com/arzzra/telehealth/pkg/signaling"
)

// DefaultSTUNServer публичный STUN сервер по умолчанию
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config параметры соединений
type Config struct {
	ICEServers []string
}

// DefaultConfig конфигурация с публичным STUN
func DefaultConfig() Config {
	return Config{ICEServers: []string{DefaultSTUNServer}}
}

// NewFactory возвращает фабрику соединений для peer.Machine
func NewFactory(cfg Config, logger *zap.Logger) (peer.ConnectionFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("регистрация кодеков: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	rtcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return func() (peer.Connection, error) {
		pc, err := api.NewPeerConnection(rtcConfig)
		if err != nil {
			return nil, err
		}
		c := &Connection{pc: pc, logger: logger.Named("webrtc")}
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			c.logger.Info("состояние peer соединения", zap.String("state", s.String()))
		})
		return c, nil
	}, nil
}

// Connection адаптер webrtc.PeerConnection
type Connection struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu      sync.Mutex
	readers []capture.TrackReader
	tracks  int
	closed  bool
}

var _ peer.Connection = (*Connection)(nil)

// AddTrack подключает локальный трек и запускает перекачку RTP пакетов
func (c *Connection) AddTrack(track capture.LocalTrack) error {
	codec, err := codecFor(track.Kind())
	if err != nil {
		return err
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, track.ID(), "consult")
	if err != nil {
		return fmt.Errorf("создание локального трека: %w", err)
	}

	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("добавление трека в соединение: %w", err)
	}

	reader, err := track.NewReader()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.tracks++
	c.mu.Unlock()

	go drainRTCP(sender)
	go c.pump(reader, local)
	return nil
}

func codecFor(kind capture.TrackKind) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case capture.TrackKindAudio:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}, nil
	case capture.TrackKindVideo:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("неизвестный тип трека %q", kind)
	}
}

// pump перекачивает пакеты локального трека до его остановки
func (c *Connection) pump(reader capture.TrackReader, local *webrtc.TrackLocalStaticRTP) {
	for {
		pkt, err := reader.ReadRTP()
		if err != nil {
			return
		}
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			c.logger.Debug("ошибка записи RTP", zap.Error(err))
			return
		}
	}
}

// drainRTCP читает RTCP отправителя, иначе интерсепторы не работают
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer создает предложение. Без локальных треков добавляются
// recvonly трансиверы, чтобы собеседник мог отправить медиа.
func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	noTracks := c.tracks == 0
	c.mu.Unlock()
	if noTracks {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return "", fmt.Errorf("добавление трансивера: %w", err)
			}
		}
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// CreateAnswer создает ответ на примененное предложение
func (c *Connection) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// SetRemoteDescription применяет удаленное описание
func (c *Connection) SetRemoteDescription(ctx context.Context, desc peer.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var sdpType webrtc.SDPType
	switch desc.Type {
	case peer.SDPTypeOffer:
		sdpType = webrtc.SDPTypeOffer
	case peer.SDPTypeAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("неизвестный тип SDP %q", desc.Type)
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

// AddICECandidate применяет удаленный кандидат
func (c *Connection) AddICECandidate(candidate signaling.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	})
}

// OnTrack регистрирует обработчик удаленных треков
func (c *Connection) OnTrack(fn func(track peer.RemoteTrack)) {
	c.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(peer.RemoteTrack{
			ID:       remote.ID(),
			StreamID: remote.StreamID(),
			Kind:     capture.TrackKind(remote.Kind().String()),
			Codec:    remote.Codec().MimeType,
			Reader:   remoteReader{remote},
		})
	})
}

// OnICECandidate регистрирует обработчик локальных кандидатов
func (c *Connection) OnICECandidate(fn func(candidate signaling.Candidate)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil означает конец сбора кандидатов
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		fn(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// Close закрывает соединение и останавливает перекачку треков
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	for _, r := range readers {
		_ = r.Close()
	}
	return c.pc.Close()
}

type remoteReader struct {
	track *webrtc.TrackRemote
}

func (r remoteReader) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
