package relay

import (
	"encoding/json"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// serveSignal сигнальная комната: о входе и выходе сообщается остальным
// участникам, offer, answer и ice-candidate пересылаются с данными
// отправителя.
func (s *Server) serveSignal(conn *websocket.Conn) {
	ident, ok := s.authorize(conn, channelSignal)
	if !ok {
		return
	}
	sessionID := conn.Params("id")
	room := "signal_" + sessionID
	c := newClient(conn, ident, s.logger.With(zap.String("session_id", sessionID)))

	s.serveRoom(s.signalRooms, room, channelSignal, c,
		func(count int) {
			s.signalRooms.broadcast(room, mustMarshal(map[string]any{
				"type":       "peer-joined",
				"user_id":    ident.UserID,
				"user_name":  ident.Name,
				"role":       ident.Role,
				"peer_count": count,
			}), c)
			s.publish(Event{
				Type:      EventRoomJoined,
				SessionID: sessionID,
				Channel:   channelSignal,
				UserID:    ident.UserID,
				Role:      ident.Role,
				PeerCount: count,
			})
		},
		func(data []byte) {
			s.handleSignalFrame(sessionID, room, c, data)
		},
		func(remaining int) {
			s.signalRooms.broadcast(room, mustMarshal(map[string]any{
				"type":       "peer-left",
				"user_id":    ident.UserID,
				"user_name":  ident.Name,
				"peer_count": remaining,
			}), nil)
			s.publish(Event{
				Type:      EventRoomLeft,
				SessionID: sessionID,
				Channel:   channelSignal,
				UserID:    ident.UserID,
				Role:      ident.Role,
				PeerCount: remaining,
			})
		})
}

func (s *Server) handleSignalFrame(sessionID, room string, c *client, data []byte) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		s.metrics.dropped(channelSignal, "malformed")
		c.logger.Debug("пропущен некорректный кадр", zap.Error(err))
		return
	}
	var msgType string
	if raw, ok := frame["type"]; ok {
		_ = json.Unmarshal(raw, &msgType)
	}

	switch msgType {
	case "offer", "answer", "ice-candidate":
		// кадр пересылается целиком, relay только добавляет отправителя
		frame["from_user_id"] = mustMarshal(c.ident.UserID)
		frame["from_user_name"] = mustMarshal(c.ident.Name)
		s.metrics.frame(channelSignal, msgType)
		s.signalRooms.broadcast(room, mustMarshal(frame), c)

	case "call-ended":
		s.metrics.frame(channelSignal, msgType)
		s.signalRooms.broadcast(room, mustMarshal(map[string]any{
			"type":      "call-ended",
			"user_id":   c.ident.UserID,
			"user_name": c.ident.Name,
		}), c)
		s.publish(Event{
			Type:      EventCallEnded,
			SessionID: sessionID,
			Channel:   channelSignal,
			UserID:    c.ident.UserID,
			Role:      c.ident.Role,
		})

	default:
		s.metrics.dropped(channelSignal, "unknown_type")
		c.logger.Debug("пропущен кадр неизвестного типа", zap.String("type", msgType))
	}
}

// mustMarshal сериализует значения, для которых ошибка невозможна
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
