package relay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3Timeout = 30 * time.Second

// StoredRecording метаданные принятой записи
type StoredRecording struct {
	Key             string    `json:"key"`
	SessionID       string    `json:"appointment"`
	FileName        string    `json:"file_name"`
	Size            int64     `json:"size"`
	DurationSeconds int       `json:"duration_seconds"`
	UploadedBy      string    `json:"uploaded_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordingStore хранилище файлов записей
type RecordingStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// DiskStore сохраняет записи в каталог
type DiskStore struct {
	dir string
}

// NewDiskStore создает каталог при необходимости
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("создание каталога записей: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Save реализует RecordingStore. Файл пишется во временный и переименовывается.
func (s *DiskStore) Save(_ context.Context, key string, data []byte, _ string) error {
	target := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	tmp := target + ".part"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("запись файла: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("переименование файла: %w", err)
	}
	return nil
}

// S3Options параметры S3 совместимого хранилища
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store сохраняет записи в S3 совместимое хранилище
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store создает клиента и проверяет доступ к бакету
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("не задан бакет")
	}

	s3opts := s3.Options{
		Region:           opts.Region,
		UsePathStyle:     opts.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	}
	if opts.Endpoint != "" {
		s3opts.BaseEndpoint = aws.String(opts.Endpoint)
	}
	if opts.AccessKeyID != "" {
		s3opts.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			"",
		))
	}

	store := &S3Store{client: s3.New(s3opts), bucket: opts.Bucket}

	// Проверяем подключение к бакету
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()
	if _, err := store.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(opts.Bucket)}); err != nil {
		return nil, fmt.Errorf("бакет %s недоступен: %w", opts.Bucket, err)
	}
	return store, nil
}

// Save реализует RecordingStore
func (s *S3Store) Save(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("загрузка в S3: %w", err)
	}
	return nil
}
