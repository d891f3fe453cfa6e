package relay

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const persistTimeout = 5 * time.Second

// serveChat комната чата: системные уведомления о входе и выходе,
// сообщения сохраняются в историю и рассылаются всем, включая отправителя.
func (s *Server) serveChat(conn *websocket.Conn) {
	ident, ok := s.authorize(conn, channelChat)
	if !ok {
		return
	}
	sessionID := conn.Params("id")
	room := "chat_" + sessionID
	c := newClient(conn, ident, s.logger.With(zap.String("session_id", sessionID)))

	s.serveRoom(s.chatRooms, room, channelChat, c,
		func(count int) {
			s.chatRooms.broadcast(room, s.systemFrame(ident.Name+" joined the chat"), nil)
			s.publish(Event{
				Type:      EventRoomJoined,
				SessionID: sessionID,
				Channel:   channelChat,
				UserID:    ident.UserID,
				Role:      ident.Role,
				PeerCount: count,
			})
		},
		func(data []byte) {
			s.handleChatFrame(sessionID, room, c, data)
		},
		func(remaining int) {
			s.chatRooms.broadcast(room, s.systemFrame(ident.Name+" left the chat"), nil)
			s.publish(Event{
				Type:      EventRoomLeft,
				SessionID: sessionID,
				Channel:   channelChat,
				UserID:    ident.UserID,
				Role:      ident.Role,
				PeerCount: remaining,
			})
		})
}

func (s *Server) systemFrame(text string) []byte {
	return mustMarshal(map[string]any{
		"type":      "system",
		"message":   text,
		"timestamp": s.now().Format(timeLayout),
	})
}

func (s *Server) handleChatFrame(sessionID, room string, c *client, data []byte) {
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		s.metrics.dropped(channelChat, "malformed")
		c.logger.Debug("пропущен некорректный кадр чата", zap.Error(err))
		return
	}
	if strings.TrimSpace(in.Message) == "" {
		s.metrics.dropped(channelChat, "blank")
		return
	}

	rec := ChatRecord{
		SenderRole: c.ident.Role,
		SenderName: c.ident.Name,
		SenderID:   c.ident.UserID,
		Message:    in.Message,
		Timestamp:  s.now(),
	}
	ctx, cancel := context.WithTimeout(s.ctx, persistTimeout)
	saved, err := s.history.Append(ctx, sessionID, rec)
	cancel()
	if err != nil {
		// сообщение доставляется даже без сохранения
		c.logger.Warn("не удалось сохранить сообщение", zap.Error(err))
	} else {
		rec = saved
		s.metrics.persisted()
	}

	s.metrics.frame(channelChat, "chat")
	s.chatRooms.broadcast(room, mustMarshal(map[string]any{
		"type":        "chat",
		"sender":      rec.SenderName,
		"sender_role": rec.SenderRole,
		"sender_id":   rec.SenderID,
		"message":     rec.Message,
		"timestamp":   rec.Timestamp.Format(timeLayout),
	}), nil)
}
