package channel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const (
	// wsSendQueue bounds the payloads waiting to be written to one peer.
	// A peer that falls further behind is disconnected.
	wsSendQueue = 256
	// wsFlushTimeout bounds writing the queued payloads after dispose.
	wsFlushTimeout = time.Second
)

var ErrSendQueueFull = errors.New("channel send queue full")

// WS is a port channel over a websocket connection. Payloads travel as
// binary messages; text messages from the peer are delivered as-is.
// Send only queues: a writer goroutine owns the connection's write side,
// so a slow peer never blocks the sender.
type WS struct {
	base
	conn WSConn
	out  chan []byte

	writerDone chan struct{}
	writerOnce sync.Once
}

func NewWS(conn WSConn) *WS {
	c := &WS{conn: conn, out: make(chan []byte, wsSendQueue), writerDone: make(chan struct{})}
	c.init(KindPort, c.closeConn)
	go c.writeLoop()
	return c
}

func (c *WS) Send(payload []byte) error {
	if c.IsDisposed() {
		return ErrDisposed
	}
	select {
	case c.out <- clone(payload):
		return nil
	default:
		go c.Dispose()
		return ErrSendQueueFull
	}
}

func (c *WS) writeLoop() {
	defer c.writerOnce.Do(func() { close(c.writerDone) })
	for {
		select {
		case p := <-c.out:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				c.writerOnce.Do(func() { close(c.writerDone) })
				c.Dispose()
				return
			}
		case <-c.Done():
			c.flush()
			return
		}
	}
}

// closeConn waits for the writer to flush, or for wsFlushTimeout if it is
// stuck on a stalled peer, then closes the connection.
func (c *WS) closeConn() {
	select {
	case <-c.writerDone:
	case <-time.After(wsFlushTimeout):
	}
	_ = c.conn.Close()
}

// flush writes what was queued before dispose, within wsFlushTimeout when
// the connection supports write deadlines.
func (c *WS) flush() {
	if dc, ok := c.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = dc.SetWriteDeadline(time.Now().Add(wsFlushTimeout))
	}
	for {
		select {
		case p := <-c.out:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Run reads from the connection until it fails or the channel is disposed,
// then disposes the channel.
func (c *WS) Run() error {
	defer c.Dispose()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.IsDisposed() {
				return nil
			}
			return err
		}
		switch msgType {
		case websocket.BinaryMessage, websocket.TextMessage:
			c.DeliverMessage(data)
		default:
			// ignore
		}
	}
}

// DialWS connects to a websocket endpoint and starts its read loop.
func DialWS(ctx context.Context, url string, header http.Header) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	c := NewWS(conn)
	go func() { _ = c.Run() }()
	return c, nil
}
