package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
	"github.com/arzzra/telehealth/internal/wsconn"
)

// ConnState состояние сигнального сокета
type ConnState = wsconn.State

const (
	ConnIdle       = wsconn.StateIdle
	ConnConnecting = wsconn.StateConnecting
	ConnOpen       = wsconn.StateOpen
	ConnClosed     = wsconn.StateClosed
	ConnFailed     = wsconn.StateFailed
)

// PathPrefix путь сигнальной комнаты на relay
const PathPrefix = "/ws/signal/"

// Config параметры сигнального клиента
type Config struct {
	// BaseURL адрес relay: ws://host:port
	BaseURL string
	// Token токен участника, передается в query параметре token
	Token string

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

// MessageHandler обработчик входящего сообщения
type MessageHandler func(msg Message)

// StateHandler обработчик смены состояния сокета. err оборачивает
// ErrSignalingUnreachable при отказе.
type StateHandler func(state ConnState, err error)

// Client сигнальный клиент одной сессии.
//
// Входящие сообщения доставляются через Poster в порядке поступления.
// Некорректные кадры пропускаются.
type Client struct {
	cfg    Config
	conn   *wsconn.Conn
	logger *zap.Logger

	mu          sync.Mutex
	onMessage   MessageHandler
	onState     StateHandler
	onMalformed func(err error)
}

// NewClient создает клиента. Обработчики вызываются через poster.
func NewClient(cfg Config, poster eventloop.Poster, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.Named("signaling"),
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

// OnMessage устанавливает обработчик входящих сообщений
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// OnStateChange устанавливает обработчик состояния сокета
func (c *Client) OnStateChange(h StateHandler) {
	c.mu.Lock()
	c.onState = h
	c.mu.Unlock()
}

// OnMalformed устанавливает обработчик пропущенных кадров
func (c *Client) OnMalformed(h func(err error)) {
	c.mu.Lock()
	c.onMalformed = h
	c.mu.Unlock()
}

// Connect открывает сокет /ws/signal/<sessionID>. Повторный вызов заменяет
// предыдущий сокет.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	target, err := wsconn.BuildURL(c.cfg.BaseURL, PathPrefix, sessionID, c.cfg.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}

	c.logger.Info("подключение к сигнальному серверу", zap.String("session_id", sessionID))
	if err := c.conn.Dial(ctx, target); err != nil {
		c.logger.Warn("сигнальный сервер недоступен", zap.String("session_id", sessionID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}
	return nil
}

// IsOpen сообщает, открыт ли сокет
func (c *Client) IsOpen() bool {
	return c.conn.IsOpen()
}

// Send отправляет сообщение. Если сокет не открыт, сообщение отбрасывается.
func (c *Client) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(data); err != nil {
		if errors.Is(err, wsconn.ErrNotOpen) {
			c.logger.Debug("сокет не открыт, сообщение отброшено", zap.String("type", string(msg.Type())))
			return nil
		}
		c.logger.Warn("ошибка отправки сигнального сообщения", zap.String("type", string(msg.Type())), zap.Error(err))
		return fmt.Errorf("отправка %s: %w", msg.Type(), err)
	}
	c.logger.Debug("отправлено сигнальное сообщение", zap.String("type", string(msg.Type())))
	return nil
}

// Disconnect отправляет call-ended, если сокет открыт, и закрывает его.
// Повторный вызов ничего не делает.
func (c *Client) Disconnect() {
	final, err := Encode(CallEnded{})
	if err != nil {
		final = nil
	}
	if c.conn.Close(final) {
		c.logger.Info("сигнальный сокет закрыт")
	}
}

func (c *Client) handleFrame(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		c.logger.Warn("пропущен некорректный кадр", zap.Error(err), zap.Int("size", len(data)))
		c.mu.Lock()
		h := c.onMalformed
		c.mu.Unlock()
		if h != nil {
			h(err)
		}
		return
	}

	c.logger.Debug("получено сигнальное сообщение", zap.String("type", string(msg.Type())))

	c.mu.Lock()
	h := c.onMessage
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (c *Client) handleState(state wsconn.State, err error) {
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}

	c.mu.Lock()
	h := c.onState
	c.mu.Unlock()
	if h != nil {
		h(state, err)
	}
}
