// Package session binds one client channel to the shared server channel.
package session

import (
	"context"
	"io"
	"log"
	"strconv"
	"sync"

	"cardbroker/internal/channel"
	"cardbroker/internal/metrics"
	"cardbroker/internal/permissions"
)

type State int

const (
	StateCreated State = iota
	StatePermissionPending
	StateActive
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePermissionPending:
		return "permission_pending"
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type PermissionChecker interface {
	CheckPermission(ctx context.Context, clientID string) permissions.Decision
}

// Server is the shared server-side multiplexer; *backend.Link implements it.
type Server interface {
	Attach(sessionID, clientID string, deliver func([]byte), lost func()) error
	Send(sessionID string, payload []byte) error
	Detach(sessionID string)
}

type Config struct {
	ID uint64
	// ClientID is empty for the broker's own trusted callers, which skip the
	// permission check.
	ClientID string
	Client   channel.Channel
	Server   Server
	Checker  PermissionChecker
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	// OnDisposed runs once, after the handler is disposed.
	OnDisposed func(*Handler)
}

// Handler forwards traffic between one client channel and the server. No
// client payload reaches the server before permission is granted; payloads
// received while the check is pending are kept in order and flushed on
// grant. The handler never closes the server channel.
type Handler struct {
	id         uint64
	sid        string
	clientID   string
	client     channel.Channel
	server     Server
	checker    PermissionChecker
	logger     *log.Logger
	metrics    *metrics.Metrics
	onDisposed func(*Handler)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	pending  [][]byte
	attached bool
}

func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		id:         cfg.ID,
		sid:        strconv.FormatUint(cfg.ID, 10),
		clientID:   cfg.ClientID,
		client:     cfg.Client,
		server:     cfg.Server,
		checker:    cfg.Checker,
		logger:     logger,
		metrics:    cfg.Metrics,
		onDisposed: cfg.OnDisposed,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateCreated,
	}
}

// Start begins handling the client channel. Trusted callers become active
// at once; others wait for the permission check.
func (h *Handler) Start() {
	h.mu.Lock()
	if h.state != StateCreated {
		h.mu.Unlock()
		return
	}
	var attachErr error
	if h.clientID == "" {
		attachErr = h.attachLocked()
		h.state = StateActive
	} else {
		h.state = StatePermissionPending
	}
	h.mu.Unlock()

	if attachErr != nil {
		h.logger.Printf("session %s: server unavailable: %v", h.sid, attachErr)
		h.Dispose()
		return
	}
	h.client.OnDispose(h.Dispose)
	h.client.SetHandler(h.handleClientMessage)
	if h.clientID != "" {
		go h.resolvePermission()
	}
}

func (h *Handler) attachLocked() error {
	if err := h.server.Attach(h.sid, h.clientID, h.deliverToClient, h.serverLost); err != nil {
		return err
	}
	h.attached = true
	return nil
}

func (h *Handler) resolvePermission() {
	decision := h.checker.CheckPermission(h.ctx, h.clientID)

	h.mu.Lock()
	if h.state != StatePermissionPending {
		h.mu.Unlock()
		return
	}
	if decision != permissions.Granted {
		dropped := len(h.pending)
		h.mu.Unlock()
		h.logger.Printf("session %s: permission denied for %q, dropping %d messages", h.sid, h.clientID, dropped)
		h.Dispose()
		return
	}
	if err := h.attachLocked(); err != nil {
		h.mu.Unlock()
		h.logger.Printf("session %s: server unavailable: %v", h.sid, err)
		h.Dispose()
		return
	}
	pending := h.pending
	h.pending = nil
	for _, p := range pending {
		if err := h.server.Send(h.sid, p); err != nil {
			h.mu.Unlock()
			h.logger.Printf("session %s: forward to server: %v", h.sid, err)
			h.Dispose()
			return
		}
		h.metrics.Forwarded("to_server")
	}
	h.state = StateActive
	h.mu.Unlock()
	h.logger.Printf("session %s: permission granted for %q, flushed %d messages", h.sid, h.clientID, len(pending))
}

func (h *Handler) handleClientMessage(payload []byte) {
	h.mu.Lock()
	var err error
	switch h.state {
	case StatePermissionPending:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		h.pending = append(h.pending, cp)
	case StateActive:
		err = h.server.Send(h.sid, payload)
		if err == nil {
			h.metrics.Forwarded("to_server")
		}
	default:
		// disposed
	}
	h.mu.Unlock()
	if err != nil {
		h.logger.Printf("session %s: forward to server: %v", h.sid, err)
		h.Dispose()
	}
}

func (h *Handler) deliverToClient(payload []byte) {
	if h.State() == StateDisposed {
		return
	}
	if err := h.client.Send(payload); err != nil {
		h.logger.Printf("session %s: forward to client: %v", h.sid, err)
		h.Dispose()
		return
	}
	h.metrics.Forwarded("to_client")
}

func (h *Handler) serverLost() {
	h.logger.Printf("session %s: server side gone", h.sid)
	h.Dispose()
}

// Dispose ends the session. It is idempotent.
func (h *Handler) Dispose() {
	h.mu.Lock()
	if h.state == StateDisposed {
		h.mu.Unlock()
		return
	}
	h.state = StateDisposed
	attached := h.attached
	h.attached = false
	h.pending = nil
	h.mu.Unlock()

	h.cancel()
	if attached {
		h.server.Detach(h.sid)
	}
	h.client.Dispose()
	close(h.done)
	h.logger.Printf("session %s: disposed", h.sid)
	if h.onDisposed != nil {
		h.onDisposed(h)
	}
}

func (h *Handler) ID() uint64 {
	return h.id
}

// SessionID is the tag used for this session on the server channel.
func (h *Handler) SessionID() string {
	return h.sid
}

func (h *Handler) ClientID() string {
	return h.clientID
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) IsDisposed() bool {
	return h.State() == StateDisposed
}

// Done is closed once the handler is disposed.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
