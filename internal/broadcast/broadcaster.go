// Package broadcast fans a piece of shared state out to a changing set of
// listeners.
package broadcast

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
)

type ListenerID uint64

// Broadcaster keeps the latest value and delivers every published value to
// every listener, in publish order. Each listener is served by its own
// goroutine and queue, so a slow or panicking listener never holds up the
// others.
type Broadcaster[T any] struct {
	logger *log.Logger

	mu        sync.Mutex
	current   T
	has       bool
	listeners map[ListenerID]*listener[T]
	nextID    ListenerID
	closed    bool
}

func New[T any](logger *log.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Broadcaster[T]{
		logger:    logger,
		listeners: make(map[ListenerID]*listener[T]),
	}
}

// Publish records v as the current value and queues it for every listener.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = v
	b.has = true
	for _, l := range b.listeners {
		l.push(v)
	}
}

func (b *Broadcaster[T]) Current() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.has
}

// AddOnUpdateListener subscribes fn. If a value has been published, fn first
// receives the current value, then every later one.
func (b *Broadcaster[T]) AddOnUpdateListener(fn func(T)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	l := newListener(b.nextID, fn, b.logger)
	if b.closed {
		return l.id
	}
	if b.has {
		l.push(b.current)
	}
	b.listeners[l.id] = l
	go l.run()
	return l.id
}

// RemoveOnUpdateListener stops delivery to the listener. A call to the
// listener already in progress is not interrupted; nothing is delivered
// after it returns.
func (b *Broadcaster[T]) RemoveOnUpdateListener(id ListenerID) {
	b.mu.Lock()
	l, ok := b.listeners[id]
	delete(b.listeners, id)
	b.mu.Unlock()
	if ok {
		l.stop()
	}
}

func (b *Broadcaster[T]) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Close stops every listener. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	b.closed = true
	listeners := b.listeners
	b.listeners = make(map[ListenerID]*listener[T])
	b.mu.Unlock()
	for _, l := range listeners {
		l.stop()
	}
}

type listener[T any] struct {
	id     ListenerID
	fn     func(T)
	logger *log.Logger

	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func newListener[T any](id ListenerID, fn func(T), logger *log.Logger) *listener[T] {
	return &listener[T]{
		id:     id,
		fn:     fn,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (l *listener[T]) push(v T) {
	l.mu.Lock()
	l.queue = append(l.queue, v)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener[T]) stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		close(l.done)
	})
}

func (l *listener[T]) run() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}
		v := l.queue[0]
		var zero T
		l.queue[0] = zero
		l.queue = l.queue[1:]
		l.mu.Unlock()
		if l.stopped.Load() {
			return
		}
		l.call(v)
	}
}

func (l *listener[T]) call(v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("listener %d panicked: %v", l.id, r)
		}
	}()
	l.fn(v)
}
