// Package wsconn клиентское websocket соединение с заменой при переподключении,
// keep-alive пингами и доставкой входящих кадров через цикл событий.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arzzra/telehealth/internal/eventloop"
)

// State состояние соединения
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotOpen запись в закрытое соединение
var ErrNotOpen = errors.New("websocket соединение не открыто")

// Config таймауты соединения
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Handlers обработчики событий соединения. Вызываются через Poster в порядке
// поступления.
type Handlers struct {
	OnFrame func(data []byte)
	OnState func(state State, err error)
}

// Conn websocket соединение с одним активным сокетом.
// Повторный Dial закрывает предыдущий сокет; события старого сокета
// после замены не доставляются.
type Conn struct {
	cfg      Config
	poster   eventloop.Poster
	handlers Handlers
	logger   *zap.Logger

	mu  sync.Mutex
	ws  *websocket.Conn
	gen uint64
}

// New создает соединение. poster может быть nil, тогда обработчики
// вызываются прямо из горутины чтения.
func New(cfg Config, poster eventloop.Poster, handlers Handlers, logger *zap.Logger) *Conn {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{cfg: cfg, poster: poster, handlers: handlers, logger: logger}
}

// BuildURL собирает адрес <base><prefix><id>?token=<token>
func BuildURL(base, prefix, id, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("некорректный адрес %q: %w", base, err)
	}
	u = u.JoinPath(prefix, id)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial открывает сокет, заменяя предыдущий
func (c *Conn) Dial(ctx context.Context, rawURL string) error {
	c.emitState(StateConnecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.emitState(StateFailed, err)
		return err
	}

	c.mu.Lock()
	old := c.ws
	c.gen++
	gen := c.gen
	c.ws = ws
	c.mu.Unlock()

	if old != nil {
		c.logger.Debug("заменяем предыдущий сокет")
		_ = old.Close()
	}

	c.emitState(StateOpen, nil)

	go c.readLoop(ws, gen)
	go c.pingLoop(ws, gen)
	return nil
}

// IsOpen сообщает, открыт ли сокет
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Write отправляет текстовый кадр
func (c *Conn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotOpen
	}
	return c.writeLocked(websocket.TextMessage, data)
}

// Close отправляет final (если не nil), кадр закрытия и закрывает сокет.
// Возвращает false, если сокет уже был закрыт.
func (c *Conn) Close(final []byte) bool {
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return false
	}
	if final != nil {
		if err := c.writeLocked(websocket.TextMessage, final); err != nil {
			c.logger.Debug("не удалось отправить финальный кадр", zap.Error(err))
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(c.cfg.WriteTimeout))
	c.ws = nil
	c.gen++
	c.mu.Unlock()

	_ = ws.Close()
	c.emitState(StateClosed, nil)
	return true
}

func (c *Conn) writeLocked(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.gen == gen && c.ws == ws
			if current {
				c.ws = nil
				c.gen++
			}
			c.mu.Unlock()

			if current {
				_ = ws.Close()
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.emitState(StateClosed, nil)
				} else {
					c.emitState(StateClosed, err)
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.mu.Lock()
		current := c.gen == gen
		c.mu.Unlock()
		if !current {
			return
		}
		c.emitFrame(data)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.gen != gen || c.ws != ws {
			c.mu.Unlock()
			return
		}
		err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("ошибка отправки ping", zap.Error(err))
			return
		}
	}
}

func (c *Conn) emitFrame(data []byte) {
	if c.handlers.OnFrame == nil {
		return
	}
	c.dispatch(func() { c.handlers.OnFrame(data) })
}

func (c *Conn) emitState(state State, err error) {
	if c.handlers.OnState == nil {
		return
	}
	c.dispatch(func() { c.handlers.OnState(state, err) })
}

func (c *Conn) dispatch(fn func()) {
	if c.poster == nil {
		fn()
		return
	}
	c.poster.Post(fn)
}
