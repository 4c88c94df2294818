// Package gateway exposes the broker over HTTP and websockets: trusted local
// callers, token-identified external clients, one-shot messages, and the
// admin API.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cardbroker/internal/broadcast"
	"cardbroker/internal/broker"
	"cardbroker/internal/channel"
	"cardbroker/internal/knownapps"
	"cardbroker/internal/pool"
	"cardbroker/internal/readers"
)

var ErrUnauthorized = errors.New("unauthorized")

type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	Close() error
}

// Broker is the part of *broker.Broker the gateway drives.
type Broker interface {
	Connect(ch channel.Channel) error
	ConnectExternal(clientID string, ch channel.Channel) error
	HandleExternalMessage(clientID string, msg channel.ExternalMessage) error
	SingleMessageChannel(clientID string) (*channel.SingleMessage, bool)
	RemoveApp(clientID string)
}

type Pool interface {
	Entries() []pool.Entry
	AddOnUpdateListener(fn func(pool.Update)) pool.ListenerID
	RemoveOnUpdateListener(id pool.ListenerID)
}

type AppNames interface {
	TryGetByIDs(ctx context.Context, ids []string) ([]*knownapps.KnownApp, error)
}

type Readers interface {
	Readers() []readers.Reader
	AddOnUpdateListener(fn func([]readers.Reader)) broadcast.ListenerID
	RemoveOnUpdateListener(id broadcast.ListenerID)
}

type Options struct {
	Broker Broker
	Pool   Pool
	Apps   AppNames
	// Readers is optional; without it the reader routes are not served.
	Readers    Readers
	Tokens     *TokenManager
	AdminToken string
	TokenTTL   time.Duration
	// PollTimeout bounds how long GET /api/messages waits for a reply.
	PollTimeout time.Duration
	Clock       clockwork.Clock
	// Gatherer backs /metrics when set.
	Gatherer prometheus.Gatherer
}

const (
	defaultTokenTTL    = time.Hour
	defaultPollTimeout = 25 * time.Second
)

type Gateway struct {
	broker      Broker
	pool        Pool
	apps        AppNames
	readers     Readers
	tokens      *TokenManager
	adminToken  string
	tokenTTL    time.Duration
	pollTimeout time.Duration
	clock       clockwork.Clock
	gatherer    prometheus.Gatherer

	upgrader websocket.Upgrader
	logger   *log.Logger
}

type tokenRequest struct {
	ClientID string `json:"client_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type removeRequest struct {
	ClientID string `json:"client_id"`
}

type replyResponse struct {
	Payload []byte `json:"payload"`
}

// AppInfo describes one connected client identity for the admin API.
type AppInfo struct {
	ClientID string   `json:"client_id"`
	Name     string   `json:"name,omitempty"`
	Known    bool     `json:"known"`
	Channels int      `json:"channels"`
	Kinds    []string `json:"kinds"`
}

// AppEvent is streamed on /ws/apps for every pool change.
type AppEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(opts Options) *Gateway {
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gateway{
		broker:      opts.Broker,
		pool:        opts.Pool,
		apps:        opts.Apps,
		readers:     opts.Readers,
		tokens:      opts.Tokens,
		adminToken:  opts.AdminToken,
		tokenTTL:    ttl,
		pollTimeout: poll,
		clock:       clock,
		gatherer:    opts.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.New(io.Discard, "", 0),
	}
}

func (g *Gateway) SetLogger(logger *log.Logger) {
	if logger == nil {
		g.logger = log.New(io.Discard, "", 0)
		return
	}
	g.logger = logger
}

// Handler returns the mux with every route registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/internal", g.ServeInternalWS)
	mux.HandleFunc("/ws/external", g.ServeExternalWS)
	mux.HandleFunc("/api/message", g.MessageHandler)
	mux.HandleFunc("/api/messages", g.MessagesHandler)
	mux.HandleFunc("/api/token", g.TokenHandler)
	mux.HandleFunc("/api/apps", g.AppsHandler)
	mux.HandleFunc("/api/apps/remove", g.RemoveAppHandler)
	mux.HandleFunc("/ws/apps", g.ServeAppsWS)
	if g.readers != nil {
		mux.HandleFunc("/api/readers", g.ReadersHandler)
		mux.HandleFunc("/ws/readers", g.ServeReadersWS)
	}
	if g.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ServeInternalWS accepts trusted callers. Only loopback peers qualify.
func (g *Gateway) ServeInternalWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.ServeInternalConn(conn)
}

func (g *Gateway) ServeInternalConn(conn WSConn) {
	ch := channel.NewWS(conn)
	if err := g.broker.Connect(ch); err != nil {
		g.logger.Printf("internal connect: %v", err)
		sendError(conn, "unavailable", err.Error())
		ch.Dispose()
		return
	}
	_ = ch.Run()
}

// ServeExternalWS accepts a client identified by the token query parameter.
func (g *Gateway) ServeExternalWS(w http.ResponseWriter, r *http.Request) {
	claims, err := g.tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.ServeExternalConn(conn, claims)
}

func (g *Gateway) ServeExternalConn(conn WSConn, claims Claims) {
	ch := channel.NewWS(conn)
	if err := g.broker.ConnectExternal(claims.ClientID, ch); err != nil {
		g.logger.Printf("external connect for %q: %v", claims.ClientID, err)
		sendError(conn, "unavailable", err.Error())
		ch.Dispose()
		return
	}
	g.logger.Printf("external client %q connected", claims.ClientID)
	_ = ch.Run()
}

func (g *Gateway) authorizeClient(r *http.Request) (Claims, error) {
	tok, ok := bearer(r)
	if !ok {
		return Claims{}, ErrUnauthorized
	}
	return g.tokens.Verify(tok)
}

func (g *Gateway) authorizeAdmin(r *http.Request) bool {
	if g.adminToken == "" {
		return false
	}
	tok, ok := bearer(r)
	if !ok {
		tok = r.URL.Query().Get("admin_token")
	}
	return subtle.ConstantTimeCompare([]byte(tok), []byte(g.adminToken)) == 1
}

// MessageHandler takes one one-shot message from an external client.
func (g *Gateway) MessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := g.authorizeClient(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var msg channel.ExternalMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	switch err := g.broker.HandleExternalMessage(claims.ClientID, msg); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, broker.ErrUndelivered):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		g.logger.Printf("message from %q: %v", claims.ClientID, err)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
}

// MessagesHandler long-polls for the next reply to a one-shot client.
func (g *Gateway) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := g.authorizeClient(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sm, ok := g.broker.SingleMessageChannel(claims.ClientID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	timer := g.clock.NewTimer(g.pollTimeout)
	defer timer.Stop()
	go func() {
		select {
		case <-timer.Chan():
			cancel()
		case <-ctx.Done():
		}
	}()

	payload, err := sm.Receive(ctx)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replyResponse{Payload: payload})
	case errors.Is(err, channel.ErrDisposed):
		http.Error(w, "gone", http.StatusGone)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token, err := g.tokens.Issue(req.ClientID, g.tokenTTL)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresAt: g.clock.Now().Add(g.tokenTTL)})
}

// AppsHandler lists connected identities with their known-app names.
func (g *Gateway) AppsHandler(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	apps := g.listApps(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(apps)
}

func (g *Gateway) listApps(ctx context.Context) []AppInfo {
	var out []AppInfo
	index := map[string]int{}
	for _, e := range g.pool.Entries() {
		i, ok := index[e.ClientID]
		if !ok {
			i = len(out)
			index[e.ClientID] = i
			out = append(out, AppInfo{ClientID: e.ClientID})
		}
		out[i].Channels++
		out[i].Kinds = append(out[i].Kinds, e.Kind.String())
	}
	if len(out) == 0 {
		return []AppInfo{}
	}
	if g.apps == nil {
		return out
	}
	ids := make([]string, len(out))
	for i, a := range out {
		ids[i] = a.ClientID
	}
	known, err := g.apps.TryGetByIDs(ctx, ids)
	if err != nil {
		g.logger.Printf("known apps unavailable: %v", err)
		return out
	}
	for i, app := range known {
		if app != nil {
			out[i].Name = app.Name
			out[i].Known = true
		}
	}
	return out
}

func (g *Gateway) RemoveAppHandler(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	g.broker.RemoveApp(req.ClientID)
	g.logger.Printf("app %q removed by admin", req.ClientID)
	w.WriteHeader(http.StatusNoContent)
}

// ServeAppsWS streams pool changes to an admin.
func (g *Gateway) ServeAppsWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.ServeAppsConn(conn)
}

func (g *Gateway) ServeAppsConn(conn WSConn) {
	sub := newSubscriber(conn)
	id := g.pool.AddOnUpdateListener(func(u pool.Update) {
		sub.send(AppEvent{Type: u.Type.String(), ClientID: u.Entry.ClientID, Kind: u.Entry.Kind.String()})
	})
	defer g.pool.RemoveOnUpdateListener(id)
	sub.wait()
}

func (g *Gateway) ReadersHandler(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.readers.Readers())
}

// ServeReadersWS streams the reader list, starting with the current one.
func (g *Gateway) ServeReadersWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.ServeReadersConn(conn)
}

func (g *Gateway) ServeReadersConn(conn WSConn) {
	sub := newSubscriber(conn)
	id := g.readers.AddOnUpdateListener(func(list []readers.Reader) {
		sub.send(list)
	})
	defer g.readers.RemoveOnUpdateListener(id)
	sub.wait()
}

// subscriberQueue bounds the events buffered for one stream; a peer that
// falls further behind is dropped.
const subscriberQueue = 64

// subscriber writes pushed values to a websocket until the peer goes away.
// send never blocks; a writer goroutine drains the queue.
type subscriber struct {
	conn  WSConn
	queue chan any
	done  chan struct{}
	once  sync.Once
}

func newSubscriber(conn WSConn) *subscriber {
	s := &subscriber{conn: conn, queue: make(chan any, subscriberQueue), done: make(chan struct{})}
	go s.writeLoop()
	return s
}

func (s *subscriber) send(v any) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.queue <- v:
	default:
		s.stop()
	}
}

func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.queue:
			if err := s.conn.WriteJSON(v); err != nil {
				s.stop()
				return
			}
		}
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// wait reads until the peer closes; subscription streams ignore input.
func (s *subscriber) wait() {
	go func() {
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				s.stop()
				return
			}
		}
	}()
	<-s.done
}

func sendError(conn WSConn, code, message string) {
	_ = conn.WriteJSON(errorMessage{Type: "error", Code: code, Message: message})
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

func isLoopbackRequest(r *http.Request) bool {
	ip := remoteIP(r)
	return ip != nil && ip.IsLoopback()
}

func remoteIP(r *http.Request) net.IP {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
