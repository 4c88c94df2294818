package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"cardbroker/internal/channel"
	"cardbroker/internal/knownapps"
	"cardbroker/internal/muxframe"
	"cardbroker/internal/permissions"
	"cardbroker/internal/pool"
)

const dataset = `{
  // test apps
  "good": {"name": "Good App"},
  "other": {"name": "Other App"},
}`

type fakeServer struct {
	end    *channel.PairEnd
	frames chan muxframe.Frame
}

func (s *fakeServer) send(t *testing.T, f muxframe.Frame) {
	t.Helper()
	data, err := muxframe.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := s.end.Send(data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// expect waits for the next frame. An empty sid matches any session.
func (s *fakeServer) expect(t *testing.T, typ muxframe.Type, sid, payload string) {
	t.Helper()
	select {
	case f := <-s.frames:
		if f.Type != typ || (sid != "" && f.SessionID != sid) {
			t.Fatalf("expected %s/%s, got %s/%s", typ, sid, f.Type, f.SessionID)
		}
		if typ == muxframe.TypeData && string(f.Payload) != payload {
			t.Fatalf("expected payload %q, got %q", payload, f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s/%s", typ, sid)
	}
}

func (s *fakeServer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame %s/%s %q", f.Type, f.SessionID, f.Payload)
	case <-time.After(80 * time.Millisecond):
	}
}

type fixture struct {
	broker  *Broker
	server  *fakeServer
	pool    *pool.Pool
	checker *permissions.Checker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithFetcher(t, cfg, knownapps.FetcherFunc(func(context.Context) ([]byte, error) {
		return []byte(dataset), nil
	}))
}

func newFixtureWithFetcher(t *testing.T, cfg Config, fetcher knownapps.Fetcher) *fixture {
	t.Helper()
	brokerEnd, serverEnd := channel.NewPair()
	srv := &fakeServer{end: serverEnd, frames: make(chan muxframe.Frame, 64)}
	serverEnd.SetHandler(func(p []byte) {
		f, err := muxframe.Decode(p)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		srv.frames <- f
	})
	reg := knownapps.New(fetcher, nil)
	checker := permissions.New(reg, nil, nil)
	p := pool.New(nil, nil)
	cfg.Server = brokerEnd
	cfg.Pool = p
	cfg.Checker = checker
	b := New(cfg)
	t.Cleanup(b.Close)
	return &fixture{broker: b, server: srv, pool: p, checker: checker}
}

func TestInternalCallerForwardedWithoutCheck(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	if err := fx.broker.Connect(end); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = app.Send([]byte("hello"))
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.expect(t, muxframe.TypeData, "1", "hello")
	if n := len(fx.pool.Entries()); n != 0 {
		t.Fatalf("internal callers are not pooled, got %d entries", n)
	}
}

func TestKnownAppGrantedAndRepliesRouted(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	replies := make(chan string, 4)
	app.SetHandler(func(p []byte) { replies <- string(p) })

	if err := fx.broker.ConnectExternal("good", end); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = app.Send([]byte("a"))
	_ = app.Send([]byte("b"))
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.expect(t, muxframe.TypeData, "1", "a")
	fx.server.expect(t, muxframe.TypeData, "1", "b")

	fx.server.send(t, muxframe.Frame{Type: muxframe.TypeData, SessionID: "1", Payload: []byte("resp")})
	select {
	case r := <-replies:
		if r != "resp" {
			t.Fatalf("unexpected reply %q", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply not routed")
	}
	if chans := fx.pool.Channels("good"); len(chans) != 1 {
		t.Fatalf("expected pooled channel, got %d", len(chans))
	}
}

func TestReloadDuringFetchKeepsNewSession(t *testing.T) {
	gate := make(chan struct{})
	fx := newFixtureWithFetcher(t, Config{}, knownapps.FetcherFunc(func(context.Context) ([]byte, error) {
		<-gate
		return []byte(dataset), nil
	}))

	oldApp, oldEnd := channel.NewPair()
	if err := fx.broker.ConnectExternal("good", oldEnd); err != nil {
		t.Fatalf("connect old: %v", err)
	}
	newApp, newEnd := channel.NewPair()
	if err := fx.broker.ConnectExternal("good", newEnd); err != nil {
		t.Fatalf("connect new: %v", err)
	}
	oldApp.Dispose()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	_ = newApp.Send([]byte("hello"))
	fx.server.expect(t, muxframe.TypeOpen, "2", "")
	fx.server.expect(t, muxframe.TypeData, "2", "hello")
	if newEnd.IsDisposed() {
		t.Fatalf("new session must survive the old one's disposal")
	}
}

func TestUnknownAppDeniedNothingForwarded(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	if err := fx.broker.ConnectExternal("stranger", end); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = app.Send([]byte("secret"))
	select {
	case <-app.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("denied client channel not disposed")
	}
	fx.server.expectNone(t)
	if chans := fx.pool.Channels("stranger"); len(chans) != 0 {
		t.Fatalf("denied channel must leave the pool")
	}
	if n := len(fx.broker.Sessions()); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestRemoveAppDisposesAllChannelsAndRevokes(t *testing.T) {
	fx := newFixture(t, Config{})
	updates := make(chan pool.Update, 16)
	fx.pool.AddOnUpdateListener(func(u pool.Update) { updates <- u })

	var apps []*channel.PairEnd
	for i := 0; i < 3; i++ {
		app, end := channel.NewPair()
		apps = append(apps, app)
		if err := fx.broker.ConnectExternal("good", end); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		fx.server.expect(t, muxframe.TypeOpen, "", "")
	}

	fx.broker.RemoveApp("good")
	for _, app := range apps {
		if !app.IsDisposed() {
			t.Fatalf("client channel still live after removal")
		}
	}
	if chans := fx.pool.Channels("good"); len(chans) != 0 {
		t.Fatalf("expected no channels, got %d", len(chans))
	}
	added, removed := 0, 0
	for len(updates) > 0 {
		switch (<-updates).Type {
		case pool.Added:
			added++
		case pool.Removed:
			removed++
		}
	}
	if added != 3 || removed != 3 {
		t.Fatalf("expected 3 adds and 3 removals, got %d/%d", added, removed)
	}
	if st, _ := fx.checker.State("good"); st != permissions.StateRevoked {
		t.Fatalf("expected revoked, got %v", st)
	}

	app, end := channel.NewPair()
	_ = fx.broker.ConnectExternal("good", end)
	select {
	case <-app.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("revoked app must be denied")
	}
}

func TestExternalMessagesShareChannel(t *testing.T) {
	fx := newFixture(t, Config{})
	msg := func(p string) channel.ExternalMessage {
		return channel.ExternalMessage{Instance: "inst-1", Payload: []byte(p)}
	}
	if err := fx.broker.HandleExternalMessage("good", msg("m1")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := fx.broker.HandleExternalMessage("good", msg("m2")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.expect(t, muxframe.TypeData, "1", "m1")
	fx.server.expect(t, muxframe.TypeData, "1", "m2")
	if chans := fx.pool.Channels("good"); len(chans) != 1 {
		t.Fatalf("expected one shared channel, got %d", len(chans))
	}

	fx.server.send(t, muxframe.Frame{Type: muxframe.TypeData, SessionID: "1", Payload: []byte("r1")})
	sm, ok := fx.broker.SingleMessageChannel("good")
	if !ok {
		t.Fatalf("no single-message channel")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := sm.Receive(ctx)
	if err != nil || string(reply) != "r1" {
		t.Fatalf("unexpected reply %q %v", reply, err)
	}
}

func TestReloadRedeliversOnceToNewChannel(t *testing.T) {
	fx := newFixture(t, Config{})
	if err := fx.broker.HandleExternalMessage("good", channel.ExternalMessage{Instance: "a", Payload: []byte("m1")}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.expect(t, muxframe.TypeData, "1", "m1")
	old, _ := fx.broker.SingleMessageChannel("good")

	if err := fx.broker.HandleExternalMessage("good", channel.ExternalMessage{Instance: "b", Payload: []byte("m2")}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if !old.IsDisposed() {
		t.Fatalf("old channel must be disposed on reload")
	}
	fx.server.expect(t, muxframe.TypeClose, "1", "")
	fx.server.expect(t, muxframe.TypeOpen, "2", "")
	fx.server.expect(t, muxframe.TypeData, "2", "m2")
	fx.server.expectNone(t)

	cur, ok := fx.broker.SingleMessageChannel("good")
	if !ok || cur == old || cur.Instance() != "b" {
		t.Fatalf("expected a fresh channel bound to the new instance")
	}
}

func TestRedeliveryBoundIsExplicit(t *testing.T) {
	fx := newFixture(t, Config{MaxRedeliveries: -1})
	_ = fx.broker.HandleExternalMessage("good", channel.ExternalMessage{Instance: "a", Payload: []byte("m1")})
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.expect(t, muxframe.TypeData, "1", "m1")

	err := fx.broker.HandleExternalMessage("good", channel.ExternalMessage{Instance: "b", Payload: []byte("m2")})
	if !errors.Is(err, ErrUndelivered) {
		t.Fatalf("expected ErrUndelivered, got %v", err)
	}
	fx.server.expect(t, muxframe.TypeClose, "1", "")
	fx.server.expectNone(t)
}

func TestServerClosingSessionDisposesClient(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	_ = fx.broker.Connect(end)
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.server.send(t, muxframe.Frame{Type: muxframe.TypeClose, SessionID: "1"})
	select {
	case <-app.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not disposed after server closed its session")
	}
	if fx.broker.Err() != nil {
		t.Fatalf("a closed session is not fatal")
	}
}

func TestServerLossIsFatal(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	_ = fx.broker.Connect(end)
	fx.server.expect(t, muxframe.TypeOpen, "1", "")

	fx.server.end.Dispose()
	select {
	case <-fx.broker.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("broker not done after server loss")
	}
	if !errors.Is(fx.broker.Err(), ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", fx.broker.Err())
	}
	if !app.IsDisposed() {
		t.Fatalf("sessions must end with the server")
	}

	late, lateEnd := channel.NewPair()
	if err := fx.broker.Connect(lateEnd); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected connect to fail, got %v", err)
	}
	if !late.IsDisposed() {
		t.Fatalf("late client channel must be disposed")
	}
}

func TestConnectDisposedChannelPanics(t *testing.T) {
	fx := newFixture(t, Config{})
	_, end := channel.NewPair()
	end.Dispose()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_ = fx.broker.Connect(end)
}

func TestCloseEndsEverything(t *testing.T) {
	fx := newFixture(t, Config{})
	app, end := channel.NewPair()
	_ = fx.broker.Connect(end)
	fx.server.expect(t, muxframe.TypeOpen, "1", "")
	fx.broker.Close()
	if !app.IsDisposed() {
		t.Fatalf("client still live after close")
	}
	select {
	case <-fx.broker.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("broker not done after close")
	}
	if !errors.Is(fx.broker.Err(), ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", fx.broker.Err())
	}
	if err := fx.broker.Connect(channel.NewSingleMessage("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
