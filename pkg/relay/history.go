package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ChatRecord сохраненное сообщение чата. JSON совпадает с ответом
// GET /api/chat/<id>/.
type ChatRecord struct {
	ID         int64     `json:"id"`
	SenderRole string    `json:"sender_role"`
	SenderName string    `json:"sender_name"`
	SenderID   string    `json:"sender"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryStore хранилище истории чата по консультациям
type HistoryStore interface {
	// Append сохраняет сообщение и присваивает ему ID
	Append(ctx context.Context, sessionID string, rec ChatRecord) (ChatRecord, error)
	// List возвращает историю в порядке сохранения
	List(ctx context.Context, sessionID string) ([]ChatRecord, error)
}

// MemoryHistory история в памяти процесса на go-cache. Комната удаляется
// после ttl без новых сообщений.
type MemoryHistory struct {
	mu    sync.Mutex
	cache *cache.Cache
	seq   int64
}

// NewMemoryHistory создает хранилище в памяти
func NewMemoryHistory(ttl time.Duration) *MemoryHistory {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &MemoryHistory{cache: cache.New(ttl, 10*time.Minute)}
}

// Append реализует HistoryStore
func (h *MemoryHistory) Append(_ context.Context, sessionID string, rec ChatRecord) (ChatRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	rec.ID = h.seq

	var list []ChatRecord
	if x, found := h.cache.Get(sessionID); found {
		list = x.([]ChatRecord)
	}
	// новый срез, чтобы List мог отдавать сохраненный без копирования
	next := make([]ChatRecord, len(list), len(list)+1)
	copy(next, list)
	next = append(next, rec)
	h.cache.Set(sessionID, next, cache.DefaultExpiration)
	return rec, nil
}

// List реализует HistoryStore
func (h *MemoryHistory) List(_ context.Context, sessionID string) ([]ChatRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if x, found := h.cache.Get(sessionID); found {
		return x.([]ChatRecord), nil
	}
	return []ChatRecord{}, nil
}

// RedisHistory история в Redis: список JSON записей на консультацию и
// общий счетчик идентификаторов
type RedisHistory struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisHistory создает хранилище поверх клиента Redis
func NewRedisHistory(rdb redis.UniversalClient, ttl time.Duration) *RedisHistory {
	return &RedisHistory{rdb: rdb, ttl: ttl, prefix: "telehealth:chat:"}
}

func (h *RedisHistory) key(sessionID string) string {
	return h.prefix + sessionID
}

// Append реализует HistoryStore
func (h *RedisHistory) Append(ctx context.Context, sessionID string, rec ChatRecord) (ChatRecord, error) {
	id, err := h.rdb.Incr(ctx, h.prefix+"seq").Result()
	if err != nil {
		return rec, fmt.Errorf("redis incr: %w", err)
	}
	rec.ID = id

	data, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}

	key := h.key(sessionID)
	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	if h.ttl > 0 {
		pipe.Expire(ctx, key, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return rec, fmt.Errorf("redis rpush: %w", err)
	}
	return rec, nil
}

// List реализует HistoryStore
func (h *RedisHistory) List(ctx context.Context, sessionID string) ([]ChatRecord, error) {
	items, err := h.rdb.LRange(ctx, h.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]ChatRecord, 0, len(items))
	for _, item := range items {
		var rec ChatRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("поврежденная запись истории: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
