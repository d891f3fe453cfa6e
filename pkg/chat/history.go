package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HistoryLoader источник истории сообщений
type HistoryLoader interface {
	Load(ctx context.Context, sessionID string) ([]Message, error)
}

// HTTPHistory загружает историю запросом GET <BaseURL>/chat/<id>/
type HTTPHistory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPHistory создает загрузчик истории
func NewHTTPHistory(baseURL, token string, timeout time.Duration) *HTTPHistory {
	return &HTTPHistory{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Load реализует HistoryLoader
func (h *HTTPHistory) Load(ctx context.Context, sessionID string) ([]Message, error) {
	base, err := url.Parse(h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: некорректный адрес: %v", ErrHistoryUnavailable, err)
	}
	target := base.JoinPath("chat", sessionID).String() + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: статус %d: %s", ErrHistoryUnavailable, resp.StatusCode, body)
	}

	var records []historyRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: разбор ответа: %v", ErrHistoryUnavailable, err)
	}

	messages := make([]Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, r.toMessage())
	}
	return messages, nil
}
