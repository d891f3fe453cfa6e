package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoopPreservesOrder проверяет, что задачи выполняются в порядке публикации
func TestLoopPreservesOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.NoError(t, l.Do(context.Background(), func() { snapshot = append(snapshot, got...) }))

	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

// TestLoopPostAfterClose проверяет, что запоздавшие задачи отбрасываются
func TestLoopPostAfterClose(t *testing.T) {
	l := New()
	l.Close()
	l.Close()

	assert.False(t, l.Post(func() { t.Error("задача не должна выполняться") }))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
	assert.True(t, l.Closed())

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("цикл не остановился")
	}
}

// TestLoopCloseFromTask проверяет закрытие цикла изнутри задачи
func TestLoopCloseFromTask(t *testing.T) {
	l := New()

	executed := false
	err := l.Do(context.Background(), func() {
		executed = true
		l.Close()
	})

	require.NoError(t, err)
	assert.True(t, executed)
	assert.False(t, l.Post(func() {}))
}

// TestLoopConcurrentPosters проверяет публикацию из нескольких горутин
func TestLoopConcurrentPosters(t *testing.T) {
	l := New()
	defer l.Close()

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var total int
	require.NoError(t, l.Do(context.Background(), func() { total = counter }))
	assert.Equal(t, 400, total)
}

// TestLoopDoContextCancel проверяет отмену ожидания через контекст
func TestLoopDoContextCancel(t *testing.T) {
	l := New()
	defer l.Close()

	release := make(chan struct{})
	l.Post(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
