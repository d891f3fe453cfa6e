package recording

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/telehealth/pkg/capture"
)

// RTPDumpFormat формат записи RTPRecorder: последовательность кадров
// [индекс трека:1][длина:2, big endian][RTP пакет]
var RTPDumpFormat = Format{MimeType: "application/x-rtp-dump", Extension: "rtpdump"}

// RTPRecorder пишет RTP пакеты всех треков потока и выдает накопленное
// раз в интервал.
type RTPRecorder struct {
	tracks    []capture.LocalTrack
	timeslice time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	buf     []byte
	readers []capture.TrackReader
	onData  func([]byte)
	started bool
	stopped bool

	stop     chan struct{}
	tickDone chan struct{}
	wg       sync.WaitGroup
}

// NewRTPRecorderFactory возвращает фабрику RTPRecorder
func NewRTPRecorderFactory(logger *zap.Logger) RecorderFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(stream *capture.Stream, timeslice time.Duration) (Recorder, error) {
		return NewRTPRecorder(stream, timeslice, logger), nil
	}
}

// NewRTPRecorder создает запись потока
func NewRTPRecorder(stream *capture.Stream, timeslice time.Duration, logger *zap.Logger) *RTPRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	return &RTPRecorder{
		tracks:    stream.Tracks(),
		timeslice: timeslice,
		logger:    logger.Named("rtp_recorder"),
		stop:      make(chan struct{}),
		tickDone:  make(chan struct{}),
	}
}

// Format реализует Recorder
func (r *RTPRecorder) Format() Format {
	return RTPDumpFormat
}

// Start реализует Recorder
func (r *RTPRecorder) Start(onData func(chunk []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("запись уже запущена")
	}
	if len(r.tracks) == 0 {
		return errors.New("в потоке нет треков")
	}

	for _, t := range r.tracks {
		reader, err := t.NewReader()
		if err != nil {
			for _, rd := range r.readers {
				_ = rd.Close()
			}
			r.readers = nil
			return err
		}
		r.readers = append(r.readers, reader)
	}

	r.onData = onData
	r.started = true

	for i, reader := range r.readers {
		r.wg.Add(1)
		go r.capture(byte(i), reader)
	}
	go r.tick()
	return nil
}

func (r *RTPRecorder) capture(index byte, reader capture.TrackReader) {
	defer r.wg.Done()
	for {
		pkt, err := reader.ReadRTP()
		if err != nil {
			return
		}
		raw, err := pkt.Marshal()
		if err != nil {
			r.logger.Debug("пакет не сериализован", zap.Error(err))
			continue
		}
		if len(raw) > 0xFFFF {
			continue
		}

		var hdr [3]byte
		hdr[0] = index
		binary.BigEndian.PutUint16(hdr[1:], uint16(len(raw)))

		r.mu.Lock()
		r.buf = append(r.buf, hdr[:]...)
		r.buf = append(r.buf, raw...)
		r.mu.Unlock()
	}
}

func (r *RTPRecorder) tick() {
	defer close(r.tickDone)
	ticker := time.NewTicker(r.timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *RTPRecorder) flush() {
	r.mu.Lock()
	chunk := r.buf
	r.buf = nil
	onData := r.onData
	r.mu.Unlock()

	if onData != nil {
		onData(chunk)
	}
}

// Stop реализует Recorder
func (r *RTPRecorder) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	readers := r.readers
	r.readers = nil
	r.mu.Unlock()

	close(r.stop)
	<-r.tickDone

	for _, rd := range readers {
		_ = rd.Close()
	}
	r.wg.Wait()

	r.flush()

	r.mu.Lock()
	r.onData = nil
	r.mu.Unlock()
}

// DecodeRTPDump разбирает артефакт RTPRecorder на кадры по трекам
func DecodeRTPDump(data []byte) (map[byte][][]byte, error) {
	out := make(map[byte][][]byte)
	for len(data) > 0 {
		if len(data) < 3 {
			return out, errors.New("обрезанный заголовок кадра")
		}
		index := data[0]
		size := int(binary.BigEndian.Uint16(data[1:3]))
		data = data[3:]
		if len(data) < size {
			return out, errors.New("обрезанный кадр")
		}
		out[index] = append(out[index], data[:size])
		data = data[size:]
	}
	return out, nil
}
