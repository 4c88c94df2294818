// Package channel defines the disposable, message-oriented endpoint every
// client and the backend server talk through, and the transports that
// implement it.
package channel

import (
	"errors"
	"sync"
)

// Kind tags how a channel is transported. The pool stores it next to each
// entry so callers can pick a channel of a given kind without inspecting
// concrete types.
type Kind int

const (
	// KindPair is one end of an in-process pair.
	KindPair Kind = iota
	// KindPort is a long-lived external connection (websocket).
	KindPort
	// KindSingleMessage is built from one-shot external requests.
	KindSingleMessage
	// KindStream is a length-framed byte stream, e.g. a backend process.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindPair:
		return "pair"
	case KindPort:
		return "port"
	case KindSingleMessage:
		return "single_message"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

var ErrDisposed = errors.New("channel disposed")

// Handler receives payloads arriving from the remote end.
type Handler func(payload []byte)

type Channel interface {
	// Send transmits payload to the remote end.
	Send(payload []byte) error
	// DeliverMessage hands a payload received from the remote end to the
	// handler. Payloads delivered before a handler is set are kept in order.
	DeliverMessage(payload []byte)
	SetHandler(h Handler)
	// Dispose tears the channel down. It is synchronous and idempotent.
	Dispose()
	IsDisposed() bool
	// OnDispose registers fn to run once the channel is disposed. If it
	// already is, fn runs immediately.
	OnDispose(fn func())
	Kind() Kind
}

// base carries the lifecycle and dispatch state shared by all transports.
type base struct {
	kind Kind

	mu        sync.Mutex
	disposed  bool
	handler   Handler
	backlog   [][]byte
	onDispose []func()
	done      chan struct{}
	closeFn   func()

	// deliverMu serializes handler invocations so payloads reach the
	// handler in the order they were delivered.
	deliverMu sync.Mutex
}

func (b *base) init(kind Kind, closeFn func()) {
	b.kind = kind
	b.closeFn = closeFn
	b.done = make(chan struct{})
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) SetHandler(h Handler) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.handler = h
	backlog := b.backlog
	b.backlog = nil
	b.mu.Unlock()
	if h == nil {
		return
	}
	for _, p := range backlog {
		if b.IsDisposed() {
			return
		}
		h(p)
	}
}

func (b *base) DeliverMessage(payload []byte) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	h := b.handler
	if h == nil {
		b.backlog = append(b.backlog, clone(payload))
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	h(payload)
}

func (b *base) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	callbacks := b.onDispose
	b.onDispose = nil
	b.handler = nil
	b.backlog = nil
	close(b.done)
	b.mu.Unlock()

	if b.closeFn != nil {
		b.closeFn()
	}
	for _, fn := range callbacks {
		fn()
	}
}

func (b *base) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

func (b *base) OnDispose(fn func()) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		fn()
		return
	}
	b.onDispose = append(b.onDispose, fn)
	b.mu.Unlock()
}

// Done is closed when the channel is disposed.
func (b *base) Done() <-chan struct{} {
	return b.done
}

func clone(p []byte) []byte {
	cp := make([]byte, len(p))
	copy(cp, p)
	return cp
}
