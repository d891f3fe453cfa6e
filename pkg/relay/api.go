package relay

import (
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const localsIdentity = "identity"

// requireToken проверяет Bearer токен REST запроса
func (s *Server) requireToken(c *fiber.Ctx) error {
	raw := strings.TrimSpace(strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer "))
	ident, err := s.verifier.Verify(raw)
	if err != nil {
		s.metrics.authFailed(c.Route().Path)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	c.Locals(localsIdentity, ident)
	return c.Next()
}

func identityFrom(c *fiber.Ctx) Identity {
	ident, _ := c.Locals(localsIdentity).(Identity)
	return ident
}

// handleHistory GET /api/chat/:id: история чата в порядке сохранения
func (s *Server) handleHistory(c *fiber.Ctx) error {
	sessionID := c.Params("id")
	records, err := s.history.List(c.UserContext(), sessionID)
	if err != nil {
		s.logger.Error("не удалось прочитать историю",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fiber.NewError(fiber.StatusServiceUnavailable, "history unavailable")
	}
	return c.JSON(records)
}

// handleRecording POST /api/recordings: multipart с полями recording_file,
// appointment и duration_seconds
func (s *Server) handleRecording(c *fiber.Ctx) error {
	ident := identityFrom(c)

	sessionID := strings.TrimSpace(c.FormValue("appointment"))
	if sessionID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "appointment is required")
	}
	duration := 0
	if v := c.FormValue("duration_seconds"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid duration_seconds")
		}
		duration = d
	}

	fh, err := c.FormFile("recording_file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "recording_file is required")
	}
	if fh.Size > s.cfg.MaxRecordingBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("recording exceeds %d bytes", s.cfg.MaxRecordingBytes))
	}
	if fh.Size == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "recording_file is empty")
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxRecordingBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.cfg.MaxRecordingBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("recording exceeds %d bytes", s.cfg.MaxRecordingBytes))
	}

	fileName := filepath.Base(fh.Filename)
	if fileName == "." || fileName == string(filepath.Separator) {
		fileName = "recording.webm"
	}
	contentType := fh.Header.Get(fiber.HeaderContentType)
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(fileName))
	}
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}

	key := path.Join("recordings", sanitizeKey(sessionID), uuid.NewString()+"_"+sanitizeKey(fileName))
	if err := s.recordings.Save(c.UserContext(), key, data, contentType); err != nil {
		s.logger.Error("не удалось сохранить запись",
			zap.String("session_id", sessionID),
			zap.String("key", key),
			zap.Error(err))
		return fiber.NewError(fiber.StatusBadGateway, "recording storage unavailable")
	}

	stored := StoredRecording{
		Key:             key,
		SessionID:       sessionID,
		FileName:        fileName,
		Size:            int64(len(data)),
		DurationSeconds: duration,
		UploadedBy:      ident.UserID,
		CreatedAt:       s.now(),
	}
	s.metrics.stored(stored.Size)
	s.logger.Info("запись сохранена",
		zap.String("session_id", sessionID),
		zap.String("key", key),
		zap.Int64("size", stored.Size),
		zap.Int("duration_seconds", duration))
	s.publish(Event{
		Type:      EventRecordingStored,
		SessionID: sessionID,
		UserID:    ident.UserID,
		Role:      ident.Role,
		Key:       key,
		Size:      stored.Size,
	})

	return c.Status(fiber.StatusCreated).JSON(stored)
}

// sanitizeKey оставляет в элементе ключа только безопасные символы
func sanitizeKey(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}
