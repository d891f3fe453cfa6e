package capture

import (
	"errors"
	"fmt"
)

// ErrorCode типизированный код ошибки захвата медиа
type ErrorCode int

const (
	ErrorCodeDeviceUnavailable ErrorCode = iota + 3000
	ErrorCodePermissionDenied
	ErrorCodeTrackStopped
)

// String возвращает строковое представление кода ошибки
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeDeviceUnavailable:
		return "DeviceUnavailable"
	case ErrorCodePermissionDenied:
		return "PermissionDenied"
	case ErrorCodeTrackStopped:
		return "TrackStopped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// CaptureError ошибка уровня захвата медиа.
// Сравнение через errors.Is выполняется по коду.
type CaptureError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// NewCaptureError создает ошибку захвата с кодом и обернутой причиной
func NewCaptureError(code ErrorCode, message string, wrapped error) *CaptureError {
	return &CaptureError{Code: code, Message: message, Wrapped: wrapped}
}

func (e *CaptureError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[захват:%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[захват:%s] %s", e.Code, e.Message)
}

func (e *CaptureError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *CaptureError) Is(target error) bool {
	var t *CaptureError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

var (
	// ErrDeviceUnavailable камера или микрофон отсутствуют либо заняты
	ErrDeviceUnavailable = &CaptureError{Code: ErrorCodeDeviceUnavailable, Message: "устройство захвата недоступно"}
	// ErrPermissionDenied пользователь или система запретили доступ к устройству
	ErrPermissionDenied = &CaptureError{Code: ErrorCodePermissionDenied, Message: "доступ к устройству запрещен"}
	// ErrTrackStopped трек уже остановлен
	ErrTrackStopped = &CaptureError{Code: ErrorCodeTrackStopped, Message: "трек остановлен"}
)
