package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// EventType вид события жизненного цикла relay
type EventType string

const (
	EventRoomJoined      EventType = "room.joined"
	EventRoomLeft        EventType = "room.left"
	EventCallEnded       EventType = "call.ended"
	EventRecordingStored EventType = "recording.stored"
)

// Event событие для внешних подписчиков
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	PeerCount int       `json:"peer_count,omitempty"`
	// Key и Size заполняются для recording.stored
	Key  string    `json:"key,omitempty"`
	Size int64     `json:"size,omitempty"`
	At   time.Time `json:"at"`
}

// EventPublisher публикует события relay
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// NopPublisher отбрасывает события
type NopPublisher struct{}

// Publish реализует EventPublisher
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close реализует EventPublisher
func (NopPublisher) Close() {}

// NATSPublisher публикует события в NATS, тема <prefix>.<type>
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher подключается к NATS
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("telehealth-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject тема для вида события
func (p *NATSPublisher) Subject(t EventType) string {
	if p.prefix == "" {
		return string(t)
	}
	return p.prefix + "." + string(t)
}

// Publish реализует EventPublisher
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("сериализация события: %w", err)
	}
	subject := p.Subject(ev.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("публикация в %s: %w", subject, err)
	}
	return nil
}

// Close реализует EventPublisher
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}
