package capture

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
)

const (
	// PayloadTypePCMU статический payload type G.711 μ-law
	PayloadTypePCMU uint8 = 0
	// PayloadTypeVP8 динамический payload type для VP8
	PayloadTypeVP8 uint8 = 96

	pcmuClockRate = 8000
	vp8ClockRate  = 90000

	pcmuSilence = 0xFF

	readerBufferSize = 64
)

// vp8KeyframeStub минимальный заголовок VP8 keyframe с payload descriptor
var vp8KeyframeStub = []byte{
	0x10,             // payload descriptor: S=1, PID=0
	0x50, 0x02, 0x00, // frame tag: keyframe, show_frame
	0x9d, 0x01, 0x2a, // start code
	0x40, 0x01, 0xf0, 0x00, // 320x240
}

// SyntheticConfig параметры синтетического устройства
type SyntheticConfig struct {
	AudioPtime time.Duration
	VideoPtime time.Duration

	// VideoPayloadSize размер payload видеокадра в байтах
	VideoPayloadSize int

	// FailWith, если задан, возвращается из GetUserMedia
	FailWith error
}

// DefaultSyntheticConfig 20 мс аудио и ~30 кадров в секунду видео
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		AudioPtime:       20 * time.Millisecond,
		VideoPtime:       33 * time.Millisecond,
		VideoPayloadSize: 1200,
	}
}

// SyntheticDevice устройство без реального железа: генерирует RTP пакеты
// тишины PCMU и заглушки VP8 с реальным темпом.
type SyntheticDevice struct {
	cfg SyntheticConfig
}

// NewSyntheticDevice создает синтетическое устройство
func NewSyntheticDevice(cfg SyntheticConfig) *SyntheticDevice {
	def := DefaultSyntheticConfig()
	if cfg.AudioPtime <= 0 {
		cfg.AudioPtime = def.AudioPtime
	}
	if cfg.VideoPtime <= 0 {
		cfg.VideoPtime = def.VideoPtime
	}
	if cfg.VideoPayloadSize < len(vp8KeyframeStub) {
		cfg.VideoPayloadSize = def.VideoPayloadSize
	}
	return &SyntheticDevice{cfg: cfg}
}

// GetUserMedia реализует Device
func (d *SyntheticDevice) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "запрос устройства отменен", err)
	}
	if d.cfg.FailWith != nil {
		return nil, d.cfg.FailWith
	}
	if !constraints.Audio && !constraints.Video {
		return nil, NewCaptureError(ErrorCodeDeviceUnavailable, "не запрошено ни аудио, ни видео", nil)
	}

	var tracks []LocalTrack
	if constraints.Audio {
		tracks = append(tracks, newSyntheticTrack(TrackKindAudio, d.cfg.AudioPtime, PayloadTypePCMU,
			pcmuClockRate, audioPayload(d.cfg.AudioPtime)))
	}
	if constraints.Video {
		tracks = append(tracks, newSyntheticTrack(TrackKindVideo, d.cfg.VideoPtime, PayloadTypeVP8,
			vp8ClockRate, videoPayload(d.cfg.VideoPayloadSize)))
	}
	return NewStream(uuid.NewString(), tracks...), nil
}

func audioPayload(ptime time.Duration) func(enabled bool) []byte {
	size := int(ptime.Seconds() * pcmuClockRate)
	return func(enabled bool) []byte {
		p := make([]byte, size)
		for i := range p {
			p[i] = pcmuSilence
		}
		if enabled {
			// комфортный шум в младших битах
			for i := range p {
				p[i] ^= byte(rand.IntN(2))
			}
		}
		return p
	}
}

func videoPayload(size int) func(enabled bool) []byte {
	return func(enabled bool) []byte {
		p := make([]byte, size)
		copy(p, vp8KeyframeStub)
		if enabled {
			for i := len(vp8KeyframeStub); i < size; i++ {
				p[i] = byte(i)
			}
		}
		return p
	}
}

// SyntheticTrack локальный трек с генератором RTP пакетов.
// Пакеты рассылаются всем подписанным читателям; медленный читатель теряет пакеты.
type SyntheticTrack struct {
	id          string
	kind        TrackKind
	ptime       time.Duration
	payloadType uint8
	clockRate   uint32
	payload     func(enabled bool) []byte
	ssrc        uint32

	mu      sync.Mutex
	enabled bool
	stopped bool
	readers map[*syntheticReader]struct{}
	seq     uint16
	ts      uint32

	stop chan struct{}
	done chan struct{}
}

func newSyntheticTrack(kind TrackKind, ptime time.Duration, pt uint8, clockRate uint32, payload func(bool) []byte) *SyntheticTrack {
	t := &SyntheticTrack{
		id:          uuid.NewString(),
		kind:        kind,
		ptime:       ptime,
		payloadType: pt,
		clockRate:   clockRate,
		payload:     payload,
		ssrc:        rand.Uint32(),
		enabled:     true,
		readers:     make(map[*syntheticReader]struct{}),
		seq:         uint16(rand.UintN(1 << 16)),
		ts:          rand.Uint32(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go t.generate()
	return t
}

// ID реализует LocalTrack
func (t *SyntheticTrack) ID() string { return t.id }

// Kind реализует LocalTrack
func (t *SyntheticTrack) Kind() TrackKind { return t.kind }

// Enabled реализует LocalTrack
func (t *SyntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled реализует LocalTrack
func (t *SyntheticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Stopped реализует LocalTrack
func (t *SyntheticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// NewReader реализует LocalTrack
func (t *SyntheticTrack) NewReader() (TrackReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrTrackStopped
	}
	r := &syntheticReader{track: t, ch: make(chan *rtp.Packet, readerBufferSize)}
	t.readers[r] = struct{}{}
	return r, nil
}

// Stop реализует LocalTrack
func (t *SyntheticTrack) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.stop)
	t.mu.Unlock()

	<-t.done

	t.mu.Lock()
	for r := range t.readers {
		close(r.ch)
		delete(t.readers, r)
	}
	t.mu.Unlock()
	return nil
}

func (t *SyntheticTrack) generate() {
	defer close(t.done)

	ticker := time.NewTicker(t.ptime)
	defer ticker.Stop()

	step := uint32(t.ptime.Seconds() * float64(t.clockRate))

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    t.payloadType,
				SequenceNumber: t.seq,
				Timestamp:      t.ts,
				SSRC:           t.ssrc,
				Marker:         t.kind == TrackKindVideo,
			},
			Payload: t.payload(t.enabled),
		}
		t.seq++
		t.ts += step

		for r := range t.readers {
			select {
			case r.ch <- pkt.Clone():
			default:
			}
		}
		t.mu.Unlock()
	}
}

func (t *SyntheticTrack) removeReader(r *syntheticReader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.readers[r]; ok {
		delete(t.readers, r)
		close(r.ch)
	}
}

type syntheticReader struct {
	track *SyntheticTrack
	ch    chan *rtp.Packet
}

func (r *syntheticReader) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-r.ch
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func (r *syntheticReader) Close() error {
	r.track.removeReader(r)
	return nil
}
