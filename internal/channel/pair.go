package channel

import "sync"

// PairEnd is one side of an in-process channel pair. Payloads sent on one
// end are delivered asynchronously, in order, to the other. Disposing either
// end disposes both.
type PairEnd struct {
	base
	peer  *PairEnd
	inbox *inbox
}

func NewPair() (*PairEnd, *PairEnd) {
	a := &PairEnd{inbox: newInbox()}
	b := &PairEnd{inbox: newInbox()}
	a.peer, b.peer = b, a
	a.init(KindPair, a.teardown)
	b.init(KindPair, b.teardown)
	go a.inbox.run(a.DeliverMessage)
	go b.inbox.run(b.DeliverMessage)
	return a, b
}

func (p *PairEnd) Send(payload []byte) error {
	if p.IsDisposed() {
		return ErrDisposed
	}
	p.peer.inbox.push(clone(payload))
	return nil
}

func (p *PairEnd) teardown() {
	p.inbox.stop()
	p.peer.Dispose()
}

type inbox struct {
	mu    sync.Mutex
	items [][]byte
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newInbox() *inbox {
	return &inbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *inbox) push(p []byte) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *inbox) stop() {
	q.once.Do(func() { close(q.done) })
}

func (q *inbox) run(deliver func([]byte)) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		select {
		case <-q.done:
			return
		default:
		}
		deliver(item)
	}
}
