// Package recording захватывает локальный поток звонка чанками под жестким
// лимитом размера, собирает артефакт и загружает его на сервер.
package recording

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxBytes лимит размера записи, 50 МиБ
	DefaultMaxBytes int64 = 50 * 1024 * 1024
	// DefaultTimeslice интервал нарезки чанков
	DefaultTimeslice = time.Second
)

var (
	// ErrAlreadyRecording запись уже идет
	ErrAlreadyRecording = errors.New("запись уже идет")
	// ErrNothingToUpload нет готового артефакта
	ErrNothingToUpload = errors.New("нет записи для загрузки")
	// ErrSizeLimitExceeded артефакт превышает лимит
	ErrSizeLimitExceeded = errors.New("превышен лимит размера записи")
	// ErrUploadFailed сервер или сеть отклонили загрузку
	ErrUploadFailed = errors.New("загрузка записи не удалась")
	// ErrUploadInProgress загрузка уже выполняется
	ErrUploadInProgress = errors.New("загрузка уже выполняется")
	// ErrNoStream нет локального потока для записи
	ErrNoStream = errors.New("нет локального медиа потока")
)

// State состояние захвата
type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// UploadState состояние загрузки
type UploadState int

const (
	UploadIdle UploadState = iota
	UploadUploading
	UploadDone
	UploadFailed
)

func (s UploadState) String() string {
	switch s {
	case UploadIdle:
		return "idle"
	case UploadUploading:
		return "uploading"
	case UploadDone:
		return "done"
	case UploadFailed:
		return "failed"
	default:
		return fmt.Sprintf("UploadState(%d)", int(s))
	}
}

// Format формат данных, которые выдает Recorder
type Format struct {
	MimeType  string
	Extension string
}

// Artifact собранная запись
type Artifact struct {
	// Handle локальная ссылка на артефакт, отзывается при сбросе
	Handle   string
	Data     []byte
	Format   Format
	Duration time.Duration
}

// Size размер артефакта в байтах
func (a *Artifact) Size() int64 {
	return int64(len(a.Data))
}

// Snapshot состояние конвейера для отображения
type Snapshot struct {
	State          State
	UploadState    UploadState
	UploadProgress int
	Bytes          int64
	Chunks         int
	StartedAt      time.Time

	// LimitExceeded захват остановлен по лимиту
	LimitExceeded bool
	// Notice уведомление для пользователя
	Notice string

	ArtifactHandle string
	ArtifactSize   int64
	Duration       time.Duration
}
