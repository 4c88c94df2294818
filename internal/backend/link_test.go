package backend

import (
	"errors"
	"testing"
	"time"

	"cardbroker/internal/channel"
	"cardbroker/internal/codec"
	"cardbroker/internal/muxframe"
)

type fakeServer struct {
	end    *channel.PairEnd
	frames chan muxframe.Frame
}

func newFakeServer(t *testing.T) (*fakeServer, *channel.PairEnd) {
	t.Helper()
	brokerEnd, serverEnd := channel.NewPair()
	s := &fakeServer{end: serverEnd, frames: make(chan muxframe.Frame, 32)}
	serverEnd.SetHandler(func(p []byte) {
		f, err := muxframe.Decode(p)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		s.frames <- f
	})
	return s, brokerEnd
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

func (s *fakeServer) expect(t *testing.T, typ muxframe.Type, sid string) muxframe.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		if f.Type != typ || f.SessionID != sid {
			t.Fatalf("expected %s/%s, got %s/%s", typ, sid, f.Type, f.SessionID)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s frame", typ)
	}
	return muxframe.Frame{}
}

func (s *fakeServer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame %s/%s", f.Type, f.SessionID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAttachSendDetach(t *testing.T) {
	srv, ch := newFakeServer(t)
	l := NewLink(ch, Options{})
	defer l.Close()

	if err := l.Attach("1", "app", func([]byte) {}, func() {}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	open := srv.expect(t, muxframe.TypeOpen, "1")
	var info OpenInfo
	if err := codec.Unmarshal(open.Payload, &info); err != nil {
		t.Fatalf("open body: %v", err)
	}
	if info.ClientID != "app" {
		t.Fatalf("expected client id in open frame, got %q", info.ClientID)
	}

	if err := l.Send("1", []byte("req")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f := srv.expect(t, muxframe.TypeData, "1"); string(f.Payload) != "req" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}

	l.Detach("1")
	srv.expect(t, muxframe.TypeClose, "1")
	l.Detach("1")
	srv.expectNone(t)

	if err := l.Send("1", []byte("late")); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestDuplicateAttachRejected(t *testing.T) {
	_, ch := newFakeServer(t)
	l := NewLink(ch, Options{})
	defer l.Close()
	if err := l.Attach("1", "", func([]byte) {}, func() {}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := l.Attach("1", "", func([]byte) {}, func() {}); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestServerFramesRoutedToOwningSession(t *testing.T) {
	srv, ch := newFakeServer(t)
	l := NewLink(ch, Options{})
	defer l.Close()

	got1 := make(chan string, 4)
	got2 := make(chan string, 4)
	_ = l.Attach("1", "a", func(p []byte) { got1 <- string(p) }, func() {})
	_ = l.Attach("2", "b", func(p []byte) { got2 <- string(p) }, func() {})

	srv.send(t, muxframe.Frame{Type: muxframe.TypeData, SessionID: "2", Payload: []byte("for-two")})
	srv.send(t, muxframe.Frame{Type: muxframe.TypeData, SessionID: "9", Payload: []byte("stray")})
	srv.send(t, muxframe.Frame{Type: muxframe.TypeData, SessionID: "1", Payload: []byte("for-one")})

	select {
	case p := <-got1:
		if p != "for-one" {
			t.Fatalf("session 1 got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout")
	}
	select {
	case p := <-got2:
		if p != "for-two" {
			t.Fatalf("session 2 got %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout")
	}
	select {
	case p := <-got1:
		t.Fatalf("session 1 got extra %q", p)
	case p := <-got2:
		t.Fatalf("session 2 got extra %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerCloseNotifiesSession(t *testing.T) {
	srv, ch := newFakeServer(t)
	l := NewLink(ch, Options{})
	defer l.Close()
	lost := make(chan struct{}, 2)
	_ = l.Attach("1", "a", func([]byte) {}, func() { lost <- struct{}{} })
	srv.send(t, muxframe.Frame{Type: muxframe.TypeClose, SessionID: "1"})
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatalf("session not told about close")
	}
	if l.Sessions() != 0 {
		t.Fatalf("expected route removed")
	}
}

func TestWaitReadyQueuesFrames(t *testing.T) {
	srv, ch := newFakeServer(t)
	l := NewLink(ch, Options{WaitReady: true})
	defer l.Close()

	_ = l.Attach("1", "a", func([]byte) {}, func() {})
	_ = l.Send("1", []byte("early"))
	srv.expectNone(t)
	if l.IsReady() {
		t.Fatalf("link must not be ready yet")
	}

	srv.send(t, muxframe.Frame{Type: muxframe.TypeReady})
	srv.expect(t, muxframe.TypeOpen, "1")
	if f := srv.expect(t, muxframe.TypeData, "1"); string(f.Payload) != "early" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}
	_ = l.Send("1", []byte("later"))
	if f := srv.expect(t, muxframe.TypeData, "1"); string(f.Payload) != "later" {
		t.Fatalf("unexpected payload %q", f.Payload)
	}
}

func TestServerLossIsFatal(t *testing.T) {
	srv, ch := newFakeServer(t)
	l := NewLink(ch, Options{})
	lost := make(chan string, 4)
	_ = l.Attach("1", "a", func([]byte) {}, func() { lost <- "1" })
	_ = l.Attach("2", "b", func([]byte) {}, func() { lost <- "2" })

	srv.end.Dispose()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("link not done after server loss")
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-lost:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("not all sessions notified: %v", seen)
		}
	}
	if !errors.Is(l.Err(), ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", l.Err())
	}
	if err := l.Attach("3", "c", func([]byte) {}, func() {}); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected attach to fail, got %v", err)
	}
	if err := l.Send("1", nil); !errors.Is(err, ErrServerUnavailable) {
		t.Fatalf("expected send to fail, got %v", err)
	}
}
