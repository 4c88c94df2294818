// Package pool keeps the live client channels indexed by client identity.
package pool

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"cardbroker/internal/channel"
)

type UpdateType int

const (
	Added UpdateType = iota
	Removed
)

func (t UpdateType) String() string {
	if t == Added {
		return "added"
	}
	return "removed"
}

// Entry is a channel registered under a client identity. Several entries may
// share an identity while a reloading client briefly holds two channels.
type Entry struct {
	ClientID  string
	Channel   channel.Channel
	Kind      channel.Kind
	CreatedAt time.Time
}

type Update struct {
	Type  UpdateType
	Entry Entry
}

type ListenerID uint64

type listener struct {
	id     ListenerID
	fn     func(Update)
	active atomic.Bool
}

type Pool struct {
	clock  clockwork.Clock
	logger *log.Logger

	mu        sync.Mutex
	entries   map[string][]*Entry
	listeners []*listener
	nextID    ListenerID
	onCount   func(int)
}

func New(clock clockwork.Clock, logger *log.Logger) *Pool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{
		clock:   clock,
		logger:  logger,
		entries: make(map[string][]*Entry),
	}
}

// SetCountHook installs fn to observe the total number of registered channels
// after every change.
func (p *Pool) SetCountHook(fn func(int)) {
	p.mu.Lock()
	p.onCount = fn
	p.mu.Unlock()
}

// AddChannel registers ch under clientID. Duplicate identities are allowed.
// The entry is dropped automatically when ch is disposed, whoever disposes
// it. Adding an already disposed channel is a broker bug and panics.
func (p *Pool) AddChannel(clientID string, ch channel.Channel) {
	if ch.IsDisposed() {
		panic(fmt.Sprintf("pool: adding disposed channel for %q", clientID))
	}
	e := &Entry{
		ClientID:  clientID,
		Channel:   ch,
		Kind:      ch.Kind(),
		CreatedAt: p.clock.Now(),
	}
	p.mu.Lock()
	p.entries[clientID] = append(p.entries[clientID], e)
	count := p.countLocked()
	hook := p.onCount
	p.mu.Unlock()

	p.logger.Printf("added %s channel for %q", e.Kind, clientID)
	if hook != nil {
		hook(count)
	}
	p.notify(Update{Type: Added, Entry: *e})
	ch.OnDispose(func() { p.remove(e) })
}

func (p *Pool) remove(e *Entry) {
	p.mu.Lock()
	list := p.entries[e.ClientID]
	idx := -1
	for i, cur := range list {
		if cur == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	list = append(list[:idx:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(p.entries, e.ClientID)
	} else {
		p.entries[e.ClientID] = list
	}
	count := p.countLocked()
	hook := p.onCount
	p.mu.Unlock()

	p.logger.Printf("removed %s channel for %q", e.Kind, e.ClientID)
	if hook != nil {
		hook(count)
	}
	p.notify(Update{Type: Removed, Entry: *e})
}

func (p *Pool) countLocked() int {
	n := 0
	for _, list := range p.entries {
		n += len(list)
	}
	return n
}

// Channels returns every channel registered under clientID, oldest first.
func (p *Pool) Channels(clientID string) []channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.entries[clientID]
	out := make([]channel.Channel, 0, len(list))
	for _, e := range list {
		out = append(out, e.Channel)
	}
	return out
}

// Find returns the oldest live channel of the given kind for clientID.
func (p *Pool) Find(clientID string, kind channel.Kind) (channel.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries[clientID] {
		if e.Kind == kind && !e.Channel.IsDisposed() {
			return e.Channel, true
		}
	}
	return nil, false
}

// DisposeChannel disposes every channel registered under clientID. Each
// disposal removes its entry and fires one Removed update.
func (p *Pool) DisposeChannel(clientID string) {
	for _, ch := range p.Channels(clientID) {
		ch.Dispose()
	}
}

// Entries returns a snapshot of all entries, ordered by identity and age.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, 0, p.countLocked())
	for _, list := range p.entries {
		for _, e := range list {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Identities returns the sorted identities that have at least one channel.
func (p *Pool) Identities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) AddOnUpdateListener(fn func(Update)) ListenerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	l := &listener{id: p.nextID, fn: fn}
	l.active.Store(true)
	p.listeners = append(p.listeners, l)
	return l.id
}

func (p *Pool) RemoveOnUpdateListener(id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, l := range p.listeners {
		if l.id == id {
			l.active.Store(false)
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// notify delivers u to a snapshot of the listeners. A listener removed while
// delivery is in progress is skipped; the others still receive u.
func (p *Pool) notify(u Update) {
	p.mu.Lock()
	snapshot := append([]*listener(nil), p.listeners...)
	p.mu.Unlock()
	for _, l := range snapshot {
		if !l.active.Load() {
			continue
		}
		l.fn(u)
	}
}
