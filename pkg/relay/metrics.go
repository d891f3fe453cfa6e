package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector метрики relay сервера. nil сборщик ничего не делает.
type MetricsCollector struct {
	connections     *prometheus.GaugeVec
	framesRelayed   *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	authFailures    *prometheus.CounterVec
	chatPersisted   prometheus.Counter
	recordingsBytes prometheus.Counter
}

// MetricsConfig конфигурация метрик relay
type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Subsystem string
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "telehealth",
		Subsystem: "relay",
	}
}

// NewMetricsCollector регистрирует метрики в reg. roomCount вызывается при
// каждом сборе.
func NewMetricsCollector(cfg MetricsConfig, reg prometheus.Registerer, roomCount func() float64) *MetricsCollector {
	if !cfg.Enabled {
		return nil
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "rooms",
		Help:      "Number of non-empty chat and signaling rooms",
	}, roomCount)

	return &MetricsCollector{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "connections",
			Help:      "Open websocket connections by channel",
		}, []string{"channel"}),
		framesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frames_relayed_total",
			Help:      "Frames accepted from clients by channel and type",
		}, []string{"channel", "type"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "frames_dropped_total",
			Help:      "Client frames ignored by channel and reason",
		}, []string{"channel", "reason"}),
		authFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "auth_failures_total",
			Help:      "Rejected tokens by endpoint",
		}, []string{"endpoint"}),
		chatPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "chat_messages_persisted_total",
			Help:      "Chat messages written to the history store",
		}),
		recordingsBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "recording_bytes_stored_total",
			Help:      "Bytes of accepted recordings",
		}),
	}
}

func (mc *MetricsCollector) connOpened(channel string) {
	if mc == nil {
		return
	}
	mc.connections.WithLabelValues(channel).Inc()
}

func (mc *MetricsCollector) connClosed(channel string) {
	if mc == nil {
		return
	}
	mc.connections.WithLabelValues(channel).Dec()
}

func (mc *MetricsCollector) frame(channel, msgType string) {
	if mc == nil {
		return
	}
	mc.framesRelayed.WithLabelValues(channel, msgType).Inc()
}

func (mc *MetricsCollector) dropped(channel, reason string) {
	if mc == nil {
		return
	}
	mc.framesDropped.WithLabelValues(channel, reason).Inc()
}

func (mc *MetricsCollector) authFailed(endpoint string) {
	if mc == nil {
		return
	}
	mc.authFailures.WithLabelValues(endpoint).Inc()
}

func (mc *MetricsCollector) persisted() {
	if mc == nil {
		return
	}
	mc.chatPersisted.Inc()
}

func (mc *MetricsCollector) stored(size int64) {
	if mc == nil {
		return
	}
	mc.recordingsBytes.Add(float64(size))
}
