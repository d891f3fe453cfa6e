// Package config загружает конфигурацию бинарников из YAML файла и переменных
// окружения с префиксом TELEHEALTH_.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arzzra/telehealth/internal/logger"
)

const envPrefix = "TELEHEALTH"

// Config корневая конфигурация
type Config struct {
	Relay  RelayConfig   `mapstructure:"relay"`
	Client ClientConfig  `mapstructure:"client"`
	Log    logger.Config `mapstructure:"log"`
}

// RelayConfig параметры relay сервера
type RelayConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// JWTSecret ключ подписи HS256 токенов участников
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	// HistoryBackend memory или redis
	HistoryBackend string        `mapstructure:"history_backend"`
	HistoryTTL     time.Duration `mapstructure:"history_ttl"`
	Redis          RedisConfig   `mapstructure:"redis"`

	// RecordingBackend disk или s3
	RecordingBackend  string   `mapstructure:"recording_backend"`
	RecordingDir      string   `mapstructure:"recording_dir"`
	MaxRecordingBytes int64    `mapstructure:"max_recording_bytes"`
	S3                S3Config `mapstructure:"s3"`

	// NATSURL пустой отключает публикацию событий
	NATSURL       string `mapstructure:"nats_url"`
	NATSSubject   string `mapstructure:"nats_subject"`
	MetricsEnable bool   `mapstructure:"metrics_enable"`
}

// RedisConfig подключение к Redis для истории чата
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// S3Config хранилище записей звонков
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// ClientConfig параметры клиента консультации
type ClientConfig struct {
	// SignalURL базовый адрес websocket: ws://host:port
	SignalURL string `mapstructure:"signal_url"`
	// APIURL базовый адрес REST: http://host:port/api
	APIURL string `mapstructure:"api_url"`
	Token  string `mapstructure:"token"`
	Role   string `mapstructure:"role"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`

	STUNServers []string `mapstructure:"stun_servers"`
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		Relay: RelayConfig{
			ListenAddr:        ":8080",
			TokenTTL:          12 * time.Hour,
			HistoryBackend:    "memory",
			HistoryTTL:        72 * time.Hour,
			Redis:             RedisConfig{Addr: "localhost:6379"},
			RecordingBackend:  "disk",
			RecordingDir:      "./recordings",
			MaxRecordingBytes: 50 * 1024 * 1024,
			S3:                S3Config{Region: "us-east-1"},
			NATSSubject:       "telehealth.events",
			MetricsEnable:     true,
		},
		Client: ClientConfig{
			SignalURL:    "ws://localhost:8080",
			APIURL:       "http://localhost:8080/api",
			Role:         "patient",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			PingInterval: 20 * time.Second,
			HTTPTimeout:  30 * time.Second,
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
		},
		Log: logger.DefaultConfig(),
	}
}

// Load читает конфигурацию. Пустой path означает только значения по умолчанию
// и переменные окружения.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	var errs []error

	switch c.Relay.HistoryBackend {
	case "memory":
	case "redis":
		if c.Relay.Redis.Addr == "" {
			errs = append(errs, errors.New("relay.redis.addr обязателен для history_backend=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("неизвестный relay.history_backend %q", c.Relay.HistoryBackend))
	}

	switch c.Relay.RecordingBackend {
	case "disk":
		if c.Relay.RecordingDir == "" {
			errs = append(errs, errors.New("relay.recording_dir обязателен для recording_backend=disk"))
		}
	case "s3":
		if c.Relay.S3.Bucket == "" {
			errs = append(errs, errors.New("relay.s3.bucket обязателен для recording_backend=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("неизвестный relay.recording_backend %q", c.Relay.RecordingBackend))
	}

	if c.Relay.MaxRecordingBytes <= 0 {
		errs = append(errs, errors.New("relay.max_recording_bytes должен быть положительным"))
	}

	switch c.Client.Role {
	case "patient", "doctor":
	default:
		errs = append(errs, fmt.Errorf("client.role должен быть patient или doctor, получено %q", c.Client.Role))
	}

	if c.Client.PingInterval <= 0 || c.Client.DialTimeout <= 0 {
		errs = append(errs, errors.New("client.ping_interval и client.dial_timeout должны быть положительными"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"relay.listen_addr":          d.Relay.ListenAddr,
		"relay.jwt_secret":           d.Relay.JWTSecret,
		"relay.token_ttl":            d.Relay.TokenTTL,
		"relay.history_backend":      d.Relay.HistoryBackend,
		"relay.history_ttl":          d.Relay.HistoryTTL,
		"relay.redis.addr":           d.Relay.Redis.Addr,
		"relay.redis.password":       d.Relay.Redis.Password,
		"relay.redis.db":             d.Relay.Redis.DB,
		"relay.recording_backend":    d.Relay.RecordingBackend,
		"relay.recording_dir":        d.Relay.RecordingDir,
		"relay.max_recording_bytes":  d.Relay.MaxRecordingBytes,
		"relay.s3.bucket":            d.Relay.S3.Bucket,
		"relay.s3.region":            d.Relay.S3.Region,
		"relay.s3.endpoint":          d.Relay.S3.Endpoint,
		"relay.s3.access_key_id":     d.Relay.S3.AccessKeyID,
		"relay.s3.secret_access_key": d.Relay.S3.SecretAccessKey,
		"relay.s3.use_path_style":    d.Relay.S3.UsePathStyle,
		"relay.nats_url":             d.Relay.NATSURL,
		"relay.nats_subject":         d.Relay.NATSSubject,
		"relay.metrics_enable":       d.Relay.MetricsEnable,
		"client.signal_url":          d.Client.SignalURL,
		"client.api_url":             d.Client.APIURL,
		"client.token":               d.Client.Token,
		"client.role":                d.Client.Role,
		"client.dial_timeout":        d.Client.DialTimeout,
		"client.write_timeout":       d.Client.WriteTimeout,
		"client.ping_interval":       d.Client.PingInterval,
		"client.http_timeout":        d.Client.HTTPTimeout,
		"client.stun_servers":        d.Client.STUNServers,
		"log.level":                  d.Log.Level,
		"log.file_path":              d.Log.FilePath,
		"log.production":             d.Log.Production,
		"log.max_size_mb":            d.Log.MaxSizeMB,
		"log.max_backups":            d.Log.MaxBackups,
		"log.max_age_days":           d.Log.MaxAgeDays,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
