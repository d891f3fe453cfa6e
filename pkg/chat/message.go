// Package chat клиент текстового канала консультации: история из REST и
// живые сообщения через отдельный websocket.
package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrChatUnreachable сокет чата не открыт или оборвался
	ErrChatUnreachable = errors.New("чат недоступен")
	// ErrEmptyMessage пустое после обрезки пробелов сообщение
	ErrEmptyMessage = errors.New("пустое сообщение")
	// ErrHistoryUnavailable не удалось загрузить историю
	ErrHistoryUnavailable = errors.New("история чата недоступна")
)

// Kind тип записи в ленте
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// TimeLayout формат времени сообщений на проводе
const TimeLayout = "03:04 PM"

// Message запись ленты чата. Системные уведомления не имеют отправителя.
type Message struct {
	ID         string
	Kind       Kind
	SenderRole string
	SenderName string
	SenderID   string
	Text       string
	// Timestamp время для отображения
	Timestamp string
	// At разобранное время, нулевое если разобрать не удалось
	At time.Time
}

// IsSystem сообщает, является ли запись системным уведомлением
func (m Message) IsSystem() bool {
	return m.Kind == KindSystem
}

// inboundFrame входящий кадр канала чата
type inboundFrame struct {
	Type       Kind       `json:"type"`
	Sender     string     `json:"sender"`
	SenderRole string     `json:"sender_role"`
	SenderID   flexibleID `json:"sender_id"`
	Message    string     `json:"message"`
	Timestamp  string     `json:"timestamp"`
}

// outboundFrame исходящий кадр
type outboundFrame struct {
	Message string `json:"message"`
}

// historyRecord запись истории из REST
type historyRecord struct {
	ID         flexibleID `json:"id"`
	SenderRole string     `json:"sender_role"`
	SenderName string     `json:"sender_name"`
	Sender     flexibleID `json:"sender"`
	Message    string     `json:"message"`
	Timestamp  string     `json:"timestamp"`
}

func (r historyRecord) toMessage() Message {
	msg := Message{
		ID:         string(r.ID),
		Kind:       KindChat,
		SenderRole: r.SenderRole,
		SenderName: r.SenderName,
		SenderID:   string(r.Sender),
		Text:       r.Message,
		Timestamp:  r.Timestamp,
	}
	if at, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
		msg.At = at
		msg.Timestamp = at.Local().Format(TimeLayout)
	}
	return msg
}

// flexibleID идентификатор, приходящий числом или строкой
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = flexibleID(n.String())
	return nil
}
