package relay

import (
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// client участник комнаты: соединение и очередь исходящих кадров
type client struct {
	id    string
	ident Identity
	conn  *websocket.Conn
	send  chan []byte

	kickOnce sync.Once
	logger   *zap.Logger
}

func newClient(conn *websocket.Conn, ident Identity, logger *zap.Logger) *client {
	id := uuid.NewString()
	return &client{
		id:     id,
		ident:  ident,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger.With(zap.String("conn_id", id), zap.String("user_id", ident.UserID)),
	}
}

// enqueue ставит кадр в очередь. Переполненная очередь означает
// зависшего клиента, его соединение закрывается.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("очередь клиента переполнена, соединение закрывается")
		c.kick()
	}
}

func (c *client) kick() {
	c.kickOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// readPump читает кадры клиента до ошибки или закрытия и передает их в handle
func (c *client) readPump(handle func(data []byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("соединение оборвано", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// writePump отправляет кадры из очереди, по одному на сообщение, и пингует
// клиента. Завершается после закрытия очереди.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("ошибка записи", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Rooms реестр комнат одного вида (чат или сигнализация)
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

// NewRooms создает пустой реестр
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[*client]struct{})}
}

// join добавляет клиента и возвращает размер комнаты после входа
func (r *Rooms) join(room string, c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		r.rooms[room] = members
	}
	members[c] = struct{}{}
	return len(members)
}

// leave удаляет клиента и возвращает оставшийся размер. Пустая комната
// удаляется из реестра.
func (r *Rooms) leave(room string, c *client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return 0
	}
	delete(members, c)
	if len(members) == 0 {
		delete(r.rooms, room)
		return 0
	}
	return len(members)
}

// broadcast рассылает кадр всем участникам комнаты, кроме except.
// Возвращает число адресатов.
func (r *Rooms) broadcast(room string, frame []byte, except *client) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.rooms[room] {
		if c == except {
			continue
		}
		c.enqueue(frame)
		n++
	}
	return n
}

// Size число участников комнаты
func (r *Rooms) Size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Count число непустых комнат
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// closeAll закрывает все соединения, используется при остановке сервера
func (r *Rooms) closeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, members := range r.rooms {
		for c := range members {
			c.kick()
		}
	}
}
