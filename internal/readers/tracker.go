// Package readers mirrors the card reader list reported by the backend
// server and fans it out to subscribers.
package readers

import (
	"errors"
	"io"
	"log"
	"slices"

	"cardbroker/internal/broadcast"
	"cardbroker/internal/channel"
	"cardbroker/internal/codec"
)

const RequestWatch = "watch"

type Reader struct {
	Name        string `cbor:"name" json:"name"`
	Status      string `cbor:"status" json:"status"`
	CardPresent bool   `cbor:"card_present" json:"card_present"`
}

// Request is sent by the tracker to the backend over its own session.
type Request struct {
	Type string `cbor:"type"`
}

// Snapshot is the full reader list as reported by the backend.
type Snapshot struct {
	Readers []Reader `cbor:"readers"`
}

// Connector opens a trusted session for ch; the broker implements it.
type Connector interface {
	Connect(ch channel.Channel) error
}

// Tracker holds the last reader list and publishes every change. Until the
// backend reports anything the list is empty.
type Tracker struct {
	logger *log.Logger
	end    *channel.PairEnd
	state  *broadcast.Broadcaster[[]Reader]
}

func NewTracker(conn Connector, logger *log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	mine, theirs := channel.NewPair()
	t := &Tracker{
		logger: logger,
		end:    mine,
		state:  broadcast.New[[]Reader](logger),
	}
	t.state.Publish([]Reader{})
	mine.SetHandler(t.handle)
	if err := conn.Connect(theirs); err != nil {
		mine.Dispose()
		t.state.Close()
		return nil, err
	}
	req, err := codec.Marshal(Request{Type: RequestWatch})
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := mine.Send(req); err != nil {
		t.Close()
		return nil, errors.New("readers: session closed before watch request")
	}
	return t, nil
}

func (t *Tracker) handle(payload []byte) {
	var snap Snapshot
	if err := codec.Unmarshal(payload, &snap); err != nil {
		t.logger.Printf("readers: dropping malformed snapshot: %v", err)
		return
	}
	list := snap.Readers
	if list == nil {
		list = []Reader{}
	}
	if cur, ok := t.state.Current(); ok && slices.Equal(cur, list) {
		return
	}
	t.state.Publish(list)
}

// Readers returns the current reader list.
func (t *Tracker) Readers() []Reader {
	cur, _ := t.state.Current()
	return slices.Clone(cur)
}

func (t *Tracker) AddOnUpdateListener(fn func([]Reader)) broadcast.ListenerID {
	return t.state.AddOnUpdateListener(fn)
}

func (t *Tracker) RemoveOnUpdateListener(id broadcast.ListenerID) {
	t.state.RemoveOnUpdateListener(id)
}

// Done is closed when the tracker's session ends.
func (t *Tracker) Done() <-chan struct{} {
	return t.end.Done()
}

func (t *Tracker) Close() {
	t.end.Dispose()
	t.state.Close()
}
