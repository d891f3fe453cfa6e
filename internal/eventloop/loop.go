// Package eventloop реализует однопоточный цикл событий консультационной сессии.
//
// Все асинхронные события сессии (сообщения сокетов, колбэки медиа устройств,
// чанки записи) публикуются в Loop как замыкания и выполняются строго по одному
// в порядке поступления. После Close новые замыкания отбрасываются, поэтому
// запоздавший колбэк после завершения сессии ничего не делает.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed возвращается Do, если цикл уже закрыт.
var ErrClosed = errors.New("цикл событий закрыт")

// Poster публикует задачу в цикл событий.
// Возвращает false, если цикл закрыт и задача отброшена.
type Poster interface {
	Post(fn func()) bool
}

// Loop однопоточный исполнитель задач с неограниченной очередью
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

var _ Poster = (*Loop)(nil)

// New создает и запускает цикл событий
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post ставит задачу в конец очереди. Никогда не блокируется.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do ставит задачу в очередь и ждет ее выполнения.
// Нельзя вызывать из задачи, выполняемой этим же циклом.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Цикл мог закрыться самой задачей, в этом случае она уже выполнена
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close останавливает цикл. Текущая задача дорабатывает, остальные отбрасываются.
// Может вызываться из задачи цикла. Идемпотентен.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Closed сообщает, закрыт ли цикл
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done закрывается после остановки горутины цикла
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
