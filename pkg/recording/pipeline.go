package recording

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/pkg/capture"
)

// Recorder источник чанков записи (аналог MediaRecorder)
type Recorder interface {
	// Start начинает захват. onData вызывается из любой горутины не чаще
	// одного раза за интервал.
	Start(onData func(chunk []byte)) error
	// Stop останавливает захват и отдает остаток. После возврата onData
	// больше не вызывается.
	Stop()
	Format() Format
}

// RecorderFactory создает Recorder для локального потока
type RecorderFactory func(stream *capture.Stream, timeslice time.Duration) (Recorder, error)

// UploadRequest данные одной загрузки
type UploadRequest struct {
	SessionID       string
	FileName        string
	Data            []byte
	MimeType        string
	DurationSeconds int
}

// Uploader коллаборатор загрузки артефакта
type Uploader interface {
	Upload(ctx context.Context, req UploadRequest, progress func(percent int)) error
}

// Config параметры конвейера
type Config struct {
	MaxBytes  int64
	Timeslice time.Duration
	Factory   RecorderFactory
	Uploader  Uploader
	// Poster цикл событий сессии, в него возвращаются чанки и прогресс
	Poster eventloop.Poster
	Logger *zap.Logger
	Now    func() time.Time
}

// DefaultConfig лимит 50 МиБ и интервал 1 секунда
func DefaultConfig() Config {
	return Config{
		MaxBytes:  DefaultMaxBytes,
		Timeslice: DefaultTimeslice,
	}
}

// Pipeline конвейер записи: Idle → Recording → Finalized.
//
// Не потокобезопасен: методы вызываются из цикла событий сессии.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger

	state    State
	recorder Recorder
	stopping bool

	// gen меняется на каждом старте и сбросе; поздние чанки и результаты
	// загрузки с устаревшим gen игнорируются
	gen uint64

	chunks        [][]byte
	chunkCount    int
	bytes         int64
	startedAt     time.Time
	stoppedAt     time.Time
	limitExceeded bool
	notice        string

	artifact *Artifact

	uploadState    UploadState
	uploadProgress int
	uploadSeq      uint64

	onChange func(Snapshot)
}

// NewPipeline создает конвейер в состоянии Idle
func NewPipeline(cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = def.Timeslice
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: logger.Named("recording")}
}

// OnChange устанавливает обработчик изменений состояния
func (p *Pipeline) OnChange(fn func(Snapshot)) {
	p.onChange = fn
}

// State текущее состояние захвата
func (p *Pipeline) State() State {
	return p.state
}

// Artifact готовый артефакт или nil
func (p *Pipeline) Artifact() *Artifact {
	return p.artifact
}

// Snapshot текущее состояние
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		State:          p.state,
		UploadState:    p.uploadState,
		UploadProgress: p.uploadProgress,
		Bytes:          p.bytes,
		Chunks:         p.chunkCount,
		StartedAt:      p.startedAt,
		LimitExceeded:  p.limitExceeded,
		Notice:         p.notice,
	}
	if p.artifact != nil {
		s.ArtifactHandle = p.artifact.Handle
		s.ArtifactSize = p.artifact.Size()
		s.Duration = p.artifact.Duration
	}
	return s
}

// Start начинает запись потока. Готовый артефакт предыдущей записи
// отбрасывается.
func (p *Pipeline) Start(stream *capture.Stream) error {
	if p.state == StateRecording {
		return ErrAlreadyRecording
	}
	if stream == nil {
		return ErrNoStream
	}
	if p.cfg.Factory == nil {
		return errors.New("фабрика записи не задана")
	}

	if p.state == StateFinalized {
		p.discardArtifact()
	}

	rec, err := p.cfg.Factory(stream, p.cfg.Timeslice)
	if err != nil {
		return fmt.Errorf("создание записи: %w", err)
	}

	p.gen++
	gen := p.gen
	p.recorder = rec
	p.stopping = false
	p.chunks = nil
	p.chunkCount = 0
	p.bytes = 0
	p.limitExceeded = false
	p.notice = ""
	p.uploadState = UploadIdle
	p.uploadProgress = 0
	p.startedAt = p.cfg.Now()
	p.stoppedAt = time.Time{}
	p.state = StateRecording

	if err := rec.Start(func(chunk []byte) {
		p.post(func() { p.handleChunk(gen, chunk) })
	}); err != nil {
		p.state = StateIdle
		p.recorder = nil
		return fmt.Errorf("запуск записи: %w", err)
	}

	p.logger.Info("запись начата",
		zap.Int64("max_bytes", p.cfg.MaxBytes),
		zap.Duration("timeslice", p.cfg.Timeslice))
	p.changed()
	return nil
}

// Stop запрашивает финализацию. Вне записи ничего не делает.
func (p *Pipeline) Stop() {
	if p.state != StateRecording || p.stopping {
		return
	}
	p.stopCapture()
}

// Reset отзывает артефакт и возвращает конвейер в Idle. Идемпотентен.
func (p *Pipeline) Reset() {
	if p.state == StateRecording && p.recorder != nil && !p.stopping {
		p.recorder.Stop()
	}
	p.gen++
	p.recorder = nil
	p.stopping = false
	p.discardArtifact()
	p.chunks = nil
	p.chunkCount = 0
	p.bytes = 0
	p.limitExceeded = false
	p.notice = ""
	p.uploadState = UploadIdle
	p.uploadProgress = 0
	p.startedAt = time.Time{}
	p.stoppedAt = time.Time{}
	if p.state != StateIdle {
		p.state = StateIdle
		p.logger.Debug("конвейер записи сброшен")
		p.changed()
	}
}

func (p *Pipeline) handleChunk(gen uint64, chunk []byte) {
	if gen != p.gen || p.state != StateRecording || p.limitExceeded {
		return
	}
	if len(chunk) == 0 {
		return
	}

	// лимит нарушает только чанк, выходящий за него; ровно MaxBytes допустимо
	room := p.cfg.MaxBytes - p.bytes
	crossed := int64(len(chunk)) > room
	if crossed {
		chunk = chunk[:room]
	}
	if len(chunk) > 0 {
		p.chunks = append(p.chunks, chunk)
	}
	p.chunkCount++
	p.bytes += int64(len(chunk))

	if crossed {
		p.limitExceeded = true
		p.notice = fmt.Sprintf("запись остановлена: превышен лимит %d МиБ", p.cfg.MaxBytes/(1024*1024))
		p.logger.Warn("превышен лимит размера записи",
			zap.Int64("bytes", p.bytes),
			zap.Int("chunks", p.chunkCount))
		if !p.stopping {
			p.stopCapture()
		}
		return
	}
	p.changed()
}

// stopCapture останавливает Recorder и ставит финализацию в очередь после
// уже доставленных чанков
func (p *Pipeline) stopCapture() {
	p.stopping = true
	p.stoppedAt = p.cfg.Now()
	gen := p.gen
	if p.recorder != nil {
		p.recorder.Stop()
	}
	p.post(func() { p.finalize(gen) })
}

func (p *Pipeline) finalize(gen uint64) {
	if gen != p.gen || p.state != StateRecording {
		return
	}

	data := make([]byte, 0, p.bytes)
	for _, c := range p.chunks {
		data = append(data, c...)
	}

	var format Format
	if p.recorder != nil {
		format = p.recorder.Format()
	}

	p.artifact = &Artifact{
		Handle:   "blob:" + uuid.NewString(),
		Data:     data,
		Format:   format,
		Duration: p.stoppedAt.Sub(p.startedAt),
	}
	p.chunks = nil
	p.recorder = nil
	p.stopping = false
	p.state = StateFinalized

	p.logger.Info("запись финализирована",
		zap.String("handle", p.artifact.Handle),
		zap.Int64("size", p.artifact.Size()),
		zap.Int("chunks", p.chunkCount),
		zap.Duration("duration", p.artifact.Duration),
		zap.Bool("limit_exceeded", p.limitExceeded))
	p.changed()
}

func (p *Pipeline) discardArtifact() {
	if p.artifact == nil {
		return
	}
	p.logger.Debug("артефакт отозван", zap.String("handle", p.artifact.Handle))
	p.artifact = nil
}

// UploadJob подготовленная загрузка. Run выполняется вне цикла событий.
type UploadJob struct {
	pipeline *Pipeline
	uploader Uploader
	req      UploadRequest
	gen      uint64
	seq      uint64
}

// Request данные загрузки
func (j *UploadJob) Request() UploadRequest {
	return j.req
}

// PrepareUpload проверяет артефакт и переводит загрузку в Uploading
func (p *Pipeline) PrepareUpload(sessionID string) (*UploadJob, error) {
	if p.artifact == nil || p.state != StateFinalized {
		return nil, ErrNothingToUpload
	}
	if p.artifact.Size() > p.cfg.MaxBytes {
		return nil, ErrSizeLimitExceeded
	}
	if p.uploadState == UploadUploading {
		return nil, ErrUploadInProgress
	}
	if p.cfg.Uploader == nil {
		return nil, fmt.Errorf("%w: загрузчик не задан", ErrUploadFailed)
	}

	ext := p.artifact.Format.Extension
	if ext == "" {
		ext = "bin"
	}

	p.uploadSeq++
	p.uploadState = UploadUploading
	p.uploadProgress = 0
	p.changed()

	return &UploadJob{
		pipeline: p,
		uploader: p.cfg.Uploader,
		gen:      p.gen,
		seq:      p.uploadSeq,
		req: UploadRequest{
			SessionID:       sessionID,
			FileName:        fmt.Sprintf("call_%s_%d.%s", sessionID, p.cfg.Now().UnixMilli(), ext),
			Data:            p.artifact.Data,
			MimeType:        p.artifact.Format.MimeType,
			DurationSeconds: int(math.Round(p.artifact.Duration.Seconds())),
		},
	}, nil
}

// Run выполняет загрузку. Прогресс и результат возвращаются в цикл событий;
// после сброса конвейера они игнорируются.
func (j *UploadJob) Run(ctx context.Context) error {
	p := j.pipeline
	err := j.uploader.Upload(ctx, j.req, func(percent int) {
		p.post(func() { p.handleProgress(j.gen, j.seq, percent) })
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	p.post(func() { p.handleUploadResult(j.gen, j.seq, err) })
	return err
}

func (p *Pipeline) handleProgress(gen, seq uint64, percent int) {
	if gen != p.gen || seq != p.uploadSeq || p.uploadState != UploadUploading {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= p.uploadProgress {
		return
	}
	p.uploadProgress = percent
	p.changed()
}

func (p *Pipeline) handleUploadResult(gen, seq uint64, err error) {
	if gen != p.gen || seq != p.uploadSeq {
		return
	}
	if err != nil {
		p.uploadState = UploadFailed
		p.logger.Warn("загрузка записи не удалась", zap.Error(err))
	} else {
		p.uploadState = UploadDone
		p.uploadProgress = 100
		p.logger.Info("запись загружена")
	}
	p.changed()
}

func (p *Pipeline) post(fn func()) {
	if p.cfg.Poster == nil {
		fn()
		return
	}
	p.cfg.Poster.Post(fn)
}

func (p *Pipeline) changed() {
	if p.onChange != nil {
		p.onChange(p.Snapshot())
	}
}
