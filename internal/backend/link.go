// Package backend multiplexes client sessions over the single channel to
// the hardware-access server.
package backend

import (
	"errors"
	"io"
	"log"
	"sync"

	"cardbroker/internal/channel"
	"cardbroker/internal/codec"
	"cardbroker/internal/muxframe"
)

var (
	ErrServerUnavailable = errors.New("backend: server channel unavailable")
	ErrAlreadyAttached   = errors.New("backend: session already attached")
	ErrNotAttached       = errors.New("backend: session not attached")
)

// OpenInfo is the body of the frame announcing a new session to the server.
type OpenInfo struct {
	ClientID string `cbor:"client_id"`
}

type Options struct {
	// WaitReady holds outgoing frames until the server sends a ready frame.
	WaitReady bool
	Logger    *log.Logger
}

type route struct {
	deliver func([]byte)
	lost    func()
}

// Link owns the session routing on top of the server channel. Frames from
// the server are routed to the session they are tagged with and nowhere
// else. Losing the server channel is fatal: every attached session is told
// once and Done is closed.
type Link struct {
	ch     channel.Channel
	logger *log.Logger

	mu     sync.Mutex
	routes map[string]route
	ready  bool
	queued [][]byte
	lost   bool
	done   chan struct{}
}

func NewLink(ch channel.Channel, opts Options) *Link {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	l := &Link{
		ch:     ch,
		logger: logger,
		routes: make(map[string]route),
		ready:  !opts.WaitReady,
		done:   make(chan struct{}),
	}
	ch.SetHandler(l.handle)
	ch.OnDispose(l.handleLost)
	return l
}

// Attach announces a session to the server and routes its frames to deliver.
// lost is called once if the server closes the session or the server
// channel goes away while the session is attached.
func (l *Link) Attach(sessionID, clientID string, deliver func([]byte), lost func()) error {
	body, err := codec.Marshal(OpenInfo{ClientID: clientID})
	if err != nil {
		return err
	}
	frame, err := muxframe.Encode(muxframe.Frame{Type: muxframe.TypeOpen, SessionID: sessionID, Payload: body})
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return ErrServerUnavailable
	}
	if _, ok := l.routes[sessionID]; ok {
		return ErrAlreadyAttached
	}
	l.routes[sessionID] = route{deliver: deliver, lost: lost}
	if err := l.writeLocked(frame); err != nil {
		delete(l.routes, sessionID)
		return err
	}
	return nil
}

// Send forwards a client payload to the server tagged with sessionID.
func (l *Link) Send(sessionID string, payload []byte) error {
	frame, err := muxframe.Encode(muxframe.Frame{Type: muxframe.TypeData, SessionID: sessionID, Payload: payload})
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return ErrServerUnavailable
	}
	if _, ok := l.routes[sessionID]; !ok {
		return ErrNotAttached
	}
	return l.writeLocked(frame)
}

// Detach stops routing for sessionID and tells the server the session ended.
func (l *Link) Detach(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.routes[sessionID]; !ok {
		return
	}
	delete(l.routes, sessionID)
	if l.lost {
		return
	}
	frame, err := muxframe.Encode(muxframe.Frame{Type: muxframe.TypeClose, SessionID: sessionID})
	if err != nil {
		return
	}
	if err := l.writeLocked(frame); err != nil {
		l.logger.Printf("close frame for session %s: %v", sessionID, err)
	}
}

func (l *Link) writeLocked(frame []byte) error {
	if !l.ready {
		l.queued = append(l.queued, frame)
		return nil
	}
	return l.ch.Send(frame)
}

func (l *Link) handle(data []byte) {
	f, err := muxframe.Decode(data)
	if err != nil {
		l.logger.Printf("dropping malformed server frame: %v", err)
		return
	}
	switch f.Type {
	case muxframe.TypeReady:
		l.markReady()
	case muxframe.TypeData:
		l.mu.Lock()
		r, ok := l.routes[f.SessionID]
		l.mu.Unlock()
		if !ok {
			l.logger.Printf("dropping server frame for unknown session %s", f.SessionID)
			return
		}
		r.deliver(f.Payload)
	case muxframe.TypeClose:
		l.mu.Lock()
		r, ok := l.routes[f.SessionID]
		delete(l.routes, f.SessionID)
		l.mu.Unlock()
		if ok {
			l.logger.Printf("server closed session %s", f.SessionID)
			r.lost()
		}
	default:
		l.logger.Printf("ignoring %s frame from server", f.Type)
	}
}

func (l *Link) markReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready || l.lost {
		return
	}
	l.ready = true
	queued := l.queued
	l.queued = nil
	l.logger.Printf("server ready, flushing %d queued frames", len(queued))
	for _, frame := range queued {
		if err := l.ch.Send(frame); err != nil {
			l.logger.Printf("flush to server: %v", err)
			return
		}
	}
}

func (l *Link) handleLost() {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return
	}
	l.lost = true
	routes := l.routes
	l.routes = make(map[string]route)
	l.queued = nil
	close(l.done)
	l.mu.Unlock()

	l.logger.Printf("server channel lost, dropping %d sessions", len(routes))
	for _, r := range routes {
		r.lost()
	}
}

func (l *Link) IsReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

// Done is closed once the server channel is gone.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) Err() error {
	select {
	case <-l.done:
		return ErrServerUnavailable
	default:
		return nil
	}
}

// Sessions reports how many sessions are attached.
func (l *Link) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.routes)
}

// Close disposes the server channel. Only the owner of the broker's
// lifecycle calls this.
func (l *Link) Close() {
	l.ch.Dispose()
}
