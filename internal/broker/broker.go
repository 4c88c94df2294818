// Package broker connects untrusted client channels to the single backend
// server channel, one permission-checked session per client channel.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"cardbroker/internal/backend"
	"cardbroker/internal/channel"
	"cardbroker/internal/metrics"
	"cardbroker/internal/permissions"
	"cardbroker/internal/pool"
	"cardbroker/internal/session"
)

// DefaultMaxRedeliveries bounds how often one external message is retried on
// a fresh channel after the old one turned out to belong to a reloaded
// client.
const DefaultMaxRedeliveries = 1

var (
	ErrClosed            = errors.New("broker: closed")
	ErrServerUnavailable = backend.ErrServerUnavailable
	ErrUndelivered       = errors.New("broker: message not delivered")
)

type Permissions interface {
	CheckPermission(ctx context.Context, clientID string) permissions.Decision
	RemoveAppPermission(clientID string)
}

type Config struct {
	// Server is the channel to the hardware-access server. The broker owns
	// it and disposes it on Close.
	Server  channel.Channel
	Pool    *pool.Pool
	Checker Permissions
	Logger  *log.Logger
	Metrics *metrics.Metrics
	// MaxRedeliveries defaults to DefaultMaxRedeliveries when zero. A
	// negative value disables redelivery.
	MaxRedeliveries int
	// WaitReady holds traffic until the server announces it is ready.
	WaitReady bool
}

type SessionInfo struct {
	ID       uint64
	ClientID string
	Kind     channel.Kind
	State    session.State
}

type Broker struct {
	link            *backend.Link
	pool            *pool.Pool
	checker         Permissions
	logger          *log.Logger
	metrics         *metrics.Metrics
	maxRedeliveries int

	mu       sync.Mutex
	sessions map[uint64]*session.Handler
	kinds    map[uint64]channel.Kind
	nextID   uint64
	closed   bool

	// singleMu serializes lookup and creation of one-shot channels so two
	// concurrent requests from one client share a channel.
	singleMu sync.Mutex

	done     chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := cfg.Pool
	if p == nil {
		p = pool.New(nil, logger)
	}
	limit := cfg.MaxRedeliveries
	switch {
	case limit == 0:
		limit = DefaultMaxRedeliveries
	case limit < 0:
		limit = 0
	}
	b := &Broker{
		pool:            p,
		checker:         cfg.Checker,
		logger:          logger,
		metrics:         cfg.Metrics,
		maxRedeliveries: limit,
		sessions:        make(map[uint64]*session.Handler),
		kinds:           make(map[uint64]channel.Kind),
		done:            make(chan struct{}),
	}
	b.link = backend.NewLink(cfg.Server, backend.Options{WaitReady: cfg.WaitReady, Logger: logger})
	p.SetCountHook(cfg.Metrics.SetPoolChannels)
	cfg.Metrics.SetBackendAvailable(true)
	go b.watchServer()
	return b
}

func (b *Broker) watchServer() {
	<-b.link.Done()
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.fail(ErrClosed)
		return
	}
	b.fail(ErrServerUnavailable)
}

// fail surfaces a fatal backend condition exactly once and tears down every
// session. The broker cannot continue without its server channel.
func (b *Broker) fail(err error) {
	b.failOnce.Do(func() {
		b.errMu.Lock()
		b.err = err
		b.errMu.Unlock()
		b.metrics.SetBackendAvailable(false)
		if errors.Is(err, ErrClosed) {
			b.logger.Printf("shut down")
		} else {
			b.logger.Printf("fatal: %v", err)
		}

		b.mu.Lock()
		handlers := make([]*session.Handler, 0, len(b.sessions))
		for _, h := range b.sessions {
			handlers = append(handlers, h)
		}
		b.mu.Unlock()
		for _, h := range handlers {
			h.Dispose()
		}
		close(b.done)
	})
}

// Connect opens a session for a trusted internal caller. No permission
// check is made.
func (b *Broker) Connect(ch channel.Channel) error {
	return b.startSession("", ch)
}

// ConnectExternal registers ch in the pool under clientID and opens a
// permission-checked session for it.
func (b *Broker) ConnectExternal(clientID string, ch channel.Channel) error {
	if clientID == "" {
		return errors.New("broker: external client without identity")
	}
	b.pool.AddChannel(clientID, ch)
	return b.startSession(clientID, ch)
}

func (b *Broker) startSession(clientID string, ch channel.Channel) error {
	if ch.IsDisposed() {
		panic(fmt.Sprintf("broker: session for disposed channel (client %q)", clientID))
	}
	if err := b.Err(); err != nil {
		ch.Dispose()
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch.Dispose()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	h := session.New(session.Config{
		ID:         id,
		ClientID:   clientID,
		Client:     ch,
		Server:     b.link,
		Checker:    b.checker,
		Logger:     b.logger,
		Metrics:    b.metrics,
		OnDisposed: b.sessionDisposed,
	})
	b.sessions[id] = h
	b.kinds[id] = ch.Kind()
	b.mu.Unlock()

	caller := "external"
	if clientID == "" {
		caller = "internal"
	}
	b.metrics.SessionOpened(caller)
	b.logger.Printf("session %d: opened for %s caller %q over %s", id, caller, clientID, ch.Kind())
	h.Start()
	return nil
}

func (b *Broker) sessionDisposed(h *session.Handler) {
	b.mu.Lock()
	_, ok := b.sessions[h.ID()]
	delete(b.sessions, h.ID())
	delete(b.kinds, h.ID())
	b.mu.Unlock()
	if ok {
		b.metrics.SessionClosed()
	}
}

// HandleExternalMessage delivers a one-shot message from clientID. Messages
// from the same client share a single-message channel. If that channel
// detects that the client reloaded, it is dropped and the message is tried
// again on a fresh channel, at most MaxRedeliveries times.
func (b *Broker) HandleExternalMessage(clientID string, msg channel.ExternalMessage) error {
	if clientID == "" {
		return errors.New("broker: external message without identity")
	}
	for attempt := 0; ; attempt++ {
		ch, err := b.singleMessageChannel(clientID)
		if err != nil {
			return err
		}
		ch.DeliverExternal(msg)
		if !ch.IsDisposed() {
			return nil
		}
		if attempt >= b.maxRedeliveries {
			b.logger.Printf("dropping message from %q after %d redeliveries", clientID, attempt)
			return ErrUndelivered
		}
		b.metrics.Redelivered()
		b.logger.Printf("client %q reloaded, redelivering on a new channel", clientID)
	}
}

// SingleMessageChannel returns the live one-shot channel for clientID, if
// any. Replies to one-shot requests are collected from it.
func (b *Broker) SingleMessageChannel(clientID string) (*channel.SingleMessage, bool) {
	ch, ok := b.pool.Find(clientID, channel.KindSingleMessage)
	if !ok {
		return nil, false
	}
	sm, ok := ch.(*channel.SingleMessage)
	return sm, ok
}

func (b *Broker) singleMessageChannel(clientID string) (*channel.SingleMessage, error) {
	b.singleMu.Lock()
	defer b.singleMu.Unlock()
	if sm, ok := b.SingleMessageChannel(clientID); ok {
		return sm, nil
	}
	sm := channel.NewSingleMessage(clientID)
	if err := b.ConnectExternal(clientID, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

// RemoveApp revokes clientID's permission and disposes every channel it
// holds. Later connections from it are denied.
func (b *Broker) RemoveApp(clientID string) {
	b.checker.RemoveAppPermission(clientID)
	b.pool.DisposeChannel(clientID)
	b.logger.Printf("removed app %q", clientID)
}

// Sessions lists the live sessions ordered by id.
func (b *Broker) Sessions() []SessionInfo {
	b.mu.Lock()
	out := make([]SessionInfo, 0, len(b.sessions))
	handlers := make([]*session.Handler, 0, len(b.sessions))
	for id, h := range b.sessions {
		out = append(out, SessionInfo{ID: id, ClientID: h.ClientID(), Kind: b.kinds[id]})
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for i, h := range handlers {
		out[i].State = h.State()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broker) Pool() *pool.Pool {
	return b.pool
}

// Done is closed once the server channel is lost.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Close disposes every session and the server channel.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	handlers := make([]*session.Handler, 0, len(b.sessions))
	for _, h := range b.sessions {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h.Dispose()
	}
	b.link.Close()
}
