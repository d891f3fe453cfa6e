package relay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// === ТЕСТЫ ТОКЕНОВ ===

// TestTokenVerify тестирует проверку токенов участников
func TestTokenVerify(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	valid, err := issuer.Issue(Identity{UserID: "7", Name: "Анна", Role: "patient"})
	require.NoError(t, err)

	expiredIssuer := NewTokenIssuer(testSecret, time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(Identity{UserID: "7"})
	require.NoError(t, err)

	foreign, err := NewTokenIssuer("other", time.Hour).Issue(Identity{UserID: "7"})
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Name: "Анна"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noName, err := issuer.Issue(Identity{UserID: "9", Role: "doctor"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    Identity
		wantErr bool
	}{
		{name: "Действующий токен", token: valid, want: Identity{UserID: "7", Name: "Анна", Role: "patient"}},
		{name: "Имя по умолчанию", token: noName, want: Identity{UserID: "9", Name: "9", Role: "doctor"}},
		{name: "Истекший токен", token: expired, wantErr: true},
		{name: "Чужой ключ", token: foreign, wantErr: true},
		{name: "Без user_id", token: noUser, wantErr: true},
		{name: "Пустой токен", token: "", wantErr: true},
		{name: "Мусор", token: "a.b.c", wantErr: true},
	}

	verifier := NewTokenVerifier(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := verifier.Verify(tt.token)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestTokenIssueRequiresUser тестирует отказ без идентификатора
func TestTokenIssueRequiresUser(t *testing.T) {
	_, err := NewTokenIssuer(testSecret, 0).Issue(Identity{Name: "Анна"})
	assert.Error(t, err)
}

// === ТЕСТЫ ХРАНИЛИЩ ===

func historyContract(t *testing.T, h HistoryStore, sessionID string) {
	t.Helper()
	ctx := context.Background()

	empty, err := h.List(ctx, sessionID)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	texts := []string{"первое", "второе", "третье"}
	var lastID int64
	for _, text := range texts {
		rec, err := h.Append(ctx, sessionID, ChatRecord{
			SenderRole: "doctor",
			SenderName: "Борис",
			SenderID:   "3",
			Message:    text,
			Timestamp:  fixedNow,
		})
		require.NoError(t, err)
		assert.Greater(t, rec.ID, lastID)
		lastID = rec.ID
	}
	_, err = h.Append(ctx, sessionID+"-other", ChatRecord{Message: "чужое"})
	require.NoError(t, err)

	list, err := h.List(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, list, len(texts))
	for i, rec := range list {
		assert.Equal(t, texts[i], rec.Message)
		assert.Equal(t, "Борис", rec.SenderName)
		assert.True(t, rec.Timestamp.Equal(fixedNow))
	}
}

// TestMemoryHistory тестирует историю в памяти
func TestMemoryHistory(t *testing.T) {
	historyContract(t, NewMemoryHistory(time.Hour), "42")
}

// TestRedisHistory тестирует историю в Redis. Нужен TELEHEALTH_TEST_REDIS_ADDR.
func TestRedisHistory(t *testing.T) {
	addr := os.Getenv("TELEHEALTH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TELEHEALTH_TEST_REDIS_ADDR не задан")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())

	h := NewRedisHistory(rdb, time.Minute)
	h.prefix = "telehealth:test:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	historyContract(t, h, "42")

	ttl, err := rdb.TTL(context.Background(), h.key("42")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

// TestChatRecordJSON тестирует имена полей ответа истории
func TestChatRecordJSON(t *testing.T) {
	data, err := json.Marshal(ChatRecord{ID: 1, SenderRole: "doctor", SenderName: "Борис", SenderID: "3", Message: "ok", Timestamp: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "sender_role", "sender_name", "sender", "message", "timestamp"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "2026-10-17T09:00:00Z", raw["timestamp"])
}

// TestDiskStore тестирует сохранение записи на диск
func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), "recordings/42/a.webm", []byte("data"), "video/webm"))

	got, err := os.ReadFile(filepath.Join(dir, "recordings", "42", "a.webm"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	_, err = os.Stat(filepath.Join(dir, "recordings", "42", "a.webm.part"))
	assert.True(t, os.IsNotExist(err))
}

// === ТЕСТЫ СОБЫТИЙ ===

// TestNATSSubject тестирует темы событий
func TestNATSSubject(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		typ    EventType
		want   string
	}{
		{name: "С префиксом", prefix: "telehealth.events", typ: EventCallEnded, want: "telehealth.events.call.ended"},
		{name: "Без префикса", prefix: "", typ: EventRoomJoined, want: "room.joined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &NATSPublisher{prefix: tt.prefix}
			assert.Equal(t, tt.want, p.Subject(tt.typ))
		})
	}
}

// TestNATSPublisher тестирует публикацию в NATS. Нужен TELEHEALTH_TEST_NATS_URL.
func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("TELEHEALTH_TEST_NATS_URL")
	if url == "" {
		t.Skip("TELEHEALTH_TEST_NATS_URL не задан")
	}
	sub, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("test.events.>", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Unsubscribe() })
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(url, "test.events")
	require.NoError(t, err)
	t.Cleanup(pub.Close)

	require.NoError(t, pub.Publish(context.Background(), Event{Type: EventRecordingStored, SessionID: "42", Size: 10}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.events.recording.stored", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, "42", ev.SessionID)
		assert.EqualValues(t, 10, ev.Size)
	case <-time.After(waitFor):
		t.Fatal("событие не получено")
	}
}
