package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/internal/wsconn"
)

// ConnState состояние сокета чата
type ConnState = wsconn.State

const (
	ConnIdle       = wsconn.StateIdle
	ConnConnecting = wsconn.StateConnecting
	ConnOpen       = wsconn.StateOpen
	ConnClosed     = wsconn.StateClosed
	ConnFailed     = wsconn.StateFailed
)

// PathPrefix путь комнаты чата на relay
const PathPrefix = "/ws/chat/"

// Config параметры клиента чата
type Config struct {
	// BaseURL адрес relay: ws://host:port
	BaseURL string
	Token   string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	ws := wsconn.DefaultConfig()
	return Config{
		BaseURL:      "ws://localhost:8080",
		DialTimeout:  ws.DialTimeout,
		WriteTimeout: ws.WriteTimeout,
		PingInterval: ws.PingInterval,
	}
}

// Client клиент чата одной сессии. Лента хранит сообщения в порядке
// получения: сначала история, затем живые кадры.
type Client struct {
	cfg     Config
	conn    *wsconn.Conn
	history HistoryLoader
	logger  *zap.Logger

	mu        sync.Mutex
	messages  []Message
	onMessage func(msg Message)
	onState   func(state ConnState, err error)
}

// NewClient создает клиента. history может быть nil, тогда LoadHistory
// возвращает ErrHistoryUnavailable.
func NewClient(cfg Config, history HistoryLoader, poster eventloop.Poster, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		history: history,
		logger:  logger.Named("chat"),
	}
	c.conn = wsconn.New(wsconn.Config{
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
	}, poster, wsconn.Handlers{
		OnFrame: c.handleFrame,
		OnState: c.handleState,
	}, c.logger)
	return c
}

// OnMessage устанавливает обработчик новых записей ленты
func (c *Client) OnMessage(fn func(msg Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnStateChange устанавливает обработчик состояния сокета. Обрыв
// сообщается с ошибкой, обернутой в ErrChatUnreachable.
func (c *Client) OnStateChange(fn func(state ConnState, err error)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// LoadHistory загружает историю и заменяет ею ленту
func (c *Client) LoadHistory(ctx context.Context, sessionID string) error {
	if c.history == nil {
		return ErrHistoryUnavailable
	}
	messages, err := c.history.Load(ctx, sessionID)
	if err != nil {
		c.logger.Warn("не удалось загрузить историю чата", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	c.messages = append([]Message(nil), messages...)
	c.mu.Unlock()

	c.logger.Info("история чата загружена", zap.String("session_id", sessionID), zap.Int("count", len(messages)))
	return nil
}

// Connect открывает сокет /ws/chat/<sessionID>, заменяя предыдущий
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	target, err := wsconn.BuildURL(c.cfg.BaseURL, PathPrefix, sessionID, c.cfg.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChatUnreachable, err)
	}
	if err := c.conn.Dial(ctx, target); err != nil {
		c.logger.Warn("чат недоступен", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrChatUnreachable, err)
	}
	c.logger.Info("подключен к чату", zap.String("session_id", sessionID))
	return nil
}

// IsOpen сообщает, открыт ли сокет
func (c *Client) IsOpen() bool {
	return c.conn.IsOpen()
}

// SendMessage отправляет текст. Локального эха нет: собственное сообщение
// возвращается через канал.
func (c *Client) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	data, err := json.Marshal(outboundFrame{Message: text})
	if err != nil {
		return err
	}
	if err := c.conn.Write(data); err != nil {
		if errors.Is(err, wsconn.ErrNotOpen) {
			return ErrChatUnreachable
		}
		return fmt.Errorf("%w: %v", ErrChatUnreachable, err)
	}
	return nil
}

// Disconnect закрывает сокет и очищает ленту. Повторный вызов безопасен.
func (c *Client) Disconnect() {
	if c.conn.Close(nil) {
		c.logger.Info("сокет чата закрыт")
	}
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

// Messages возвращает копию ленты
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

func (c *Client) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("некорректный кадр чата", zap.Error(err))
		return
	}

	var msg Message
	switch frame.Type {
	case KindChat:
		msg = Message{
			ID:         uuid.NewString(),
			Kind:       KindChat,
			SenderRole: frame.SenderRole,
			SenderName: frame.Sender,
			SenderID:   string(frame.SenderID),
			Text:       frame.Message,
			Timestamp:  frame.Timestamp,
		}
	case KindSystem:
		msg = Message{
			ID:        uuid.NewString(),
			Kind:      KindSystem,
			Text:      frame.Message,
			Timestamp: frame.Timestamp,
		}
	default:
		c.logger.Debug("неизвестный тип кадра чата", zap.String("type", string(frame.Type)))
		return
	}
	if at, err := time.ParseInLocation(TimeLayout, msg.Timestamp, time.Local); err == nil {
		now := time.Now()
		msg.At = time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.Local)
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	fn := c.onMessage
	c.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

func (c *Client) handleState(state wsconn.State, err error) {
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrChatUnreachable, err)
	}
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state, err)
	}
}
