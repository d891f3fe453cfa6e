package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector собирает Prometheus метрики сессий.
//
// Один сборщик разделяется всеми сессиями процесса. Отключенный сборщик
// (и nil) ничего не делает.
type MetricsCollector struct {
	sessionsActive      prometheus.Gauge
	sessionsTotal       *prometheus.CounterVec
	signalingMessages   *prometheus.CounterVec
	malformedFrames     prometheus.Counter
	negotiationFailures *prometheus.CounterVec
	recordingBytes      prometheus.Histogram
	uploadsTotal        *prometheus.CounterVec
	enabled             bool
}

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace и Subsystem префиксы имен метрик
	Namespace string
	Subsystem string

	// Registerer реестр. nil означает метрики без регистрации.
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    true,
		Namespace:  "telehealth",
		Subsystem:  "session",
		Registerer: prometheus.DefaultRegisterer,
	}
}

// NewMetricsCollector создает сборщик метрик
func NewMetricsCollector(cfg MetricsConfig) *MetricsCollector {
	if !cfg.Enabled {
		return &MetricsCollector{}
	}
	f := promauto.With(cfg.Registerer)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &MetricsCollector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active",
			Help:      "Number of currently open consultation sessions",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "ended_total",
			Help:      "Total number of ended sessions by reason",
		}, []string{"reason"}),
		signalingMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "signaling_messages_total",
			Help:      "Inbound signaling messages by type",
		}, []string{"type"}),
		malformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "malformed_frames_total",
			Help:      "Signaling frames skipped because they could not be decoded",
		}),
		negotiationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "negotiation_failures_total",
			Help:      "Signaling messages rejected by the peer state machine",
		}, []string{"type"}),
		recordingBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "recording_bytes",
			Help:      "Size of finalized recordings in bytes",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8), // от 64 КиБ до 1 ГиБ
		}),
		uploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "uploads_total",
			Help:      "Recording uploads by result",
		}, []string{"result"}),
		enabled: true,
	}
}

func (mc *MetricsCollector) on() bool {
	return mc != nil && mc.enabled
}

// SessionOpened учитывает открытие сессии
func (mc *MetricsCollector) SessionOpened() {
	if !mc.on() {
		return
	}
	mc.sessionsActive.Inc()
}

// SessionEnded учитывает завершение сессии
func (mc *MetricsCollector) SessionEnded(reason EndReason) {
	if !mc.on() {
		return
	}
	mc.sessionsActive.Dec()
	mc.sessionsTotal.WithLabelValues(reason.String()).Inc()
}

// SignalingMessage учитывает входящее сигнальное сообщение
func (mc *MetricsCollector) SignalingMessage(msgType string) {
	if !mc.on() {
		return
	}
	mc.signalingMessages.WithLabelValues(msgType).Inc()
}

// MalformedFrame учитывает пропущенный кадр
func (mc *MetricsCollector) MalformedFrame() {
	if !mc.on() {
		return
	}
	mc.malformedFrames.Inc()
}

// NegotiationFailure учитывает отклоненное сообщение
func (mc *MetricsCollector) NegotiationFailure(msgType string) {
	if !mc.on() {
		return
	}
	mc.negotiationFailures.WithLabelValues(msgType).Inc()
}

// RecordingFinalized учитывает размер готовой записи
func (mc *MetricsCollector) RecordingFinalized(size int64) {
	if !mc.on() {
		return
	}
	mc.recordingBytes.Observe(float64(size))
}

// Upload учитывает результат загрузки
func (mc *MetricsCollector) Upload(err error) {
	if !mc.on() {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	mc.uploadsTotal.WithLabelValues(result).Inc()
}
