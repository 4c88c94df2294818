package channel

import (
	"context"
	"sync"
)

// ExternalMessage is one inbound one-shot request. Instance identifies the
// running client instance; a change of instance means the client reloaded.
type ExternalMessage struct {
	Instance string `json:"instance"`
	Payload  []byte `json:"payload"`
}

// SingleMessage is a channel assembled from one-shot requests sent by a
// single client. Replies queue in an outbox until the client collects them
// with Receive.
type SingleMessage struct {
	base
	clientID string

	stateMu  sync.Mutex
	instance string
	outbox   [][]byte
	wake     chan struct{}
}

func NewSingleMessage(clientID string) *SingleMessage {
	c := &SingleMessage{
		clientID: clientID,
		wake:     make(chan struct{}, 1),
	}
	c.init(KindSingleMessage, nil)
	return c
}

func (c *SingleMessage) ClientID() string {
	return c.clientID
}

// Instance returns the client instance this channel is bound to, or "" if no
// message has been received yet.
func (c *SingleMessage) Instance() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.instance
}

// DeliverExternal delivers msg unless it comes from a different client
// instance than earlier messages. In that case the channel disposes itself
// and msg is not delivered; the caller can retry on a fresh channel.
func (c *SingleMessage) DeliverExternal(msg ExternalMessage) {
	c.stateMu.Lock()
	reloaded := false
	switch {
	case c.instance == "":
		c.instance = msg.Instance
	case msg.Instance != "" && msg.Instance != c.instance:
		reloaded = true
	}
	c.stateMu.Unlock()
	if reloaded {
		c.Dispose()
		return
	}
	c.DeliverMessage(msg.Payload)
}

func (c *SingleMessage) Send(payload []byte) error {
	c.stateMu.Lock()
	if c.IsDisposed() {
		c.stateMu.Unlock()
		return ErrDisposed
	}
	c.outbox = append(c.outbox, clone(payload))
	c.stateMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns how many replies wait in the outbox.
func (c *SingleMessage) Pending() int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.outbox)
}

// Receive pops the oldest queued reply, waiting until one is available, the
// channel is disposed or ctx is done.
func (c *SingleMessage) Receive(ctx context.Context) ([]byte, error) {
	for {
		c.stateMu.Lock()
		if len(c.outbox) > 0 {
			p := c.outbox[0]
			c.outbox[0] = nil
			c.outbox = c.outbox[1:]
			more := len(c.outbox) > 0
			c.stateMu.Unlock()
			if more {
				select {
				case c.wake <- struct{}{}:
				default:
				}
			}
			return p, nil
		}
		c.stateMu.Unlock()
		if c.IsDisposed() {
			return nil, ErrDisposed
		}
		select {
		case <-c.wake:
		case <-c.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
