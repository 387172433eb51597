package channel

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
)

type outbound struct {
	msg  wire.Message
	done func(error)
}

func (o outbound) complete(err error) {
	if o.done != nil {
		o.done(err)
	}
}

// sendQueue is an unbounded FIFO so Send never blocks a handler.
type sendQueue struct {
	mu     sync.Mutex
	items  []outbound
	closed bool
	reason error
	signal chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{signal: make(chan struct{}, 1)}
}

func (q *sendQueue) push(item outbound) {
	q.mu.Lock()
	if q.closed {
		reason := q.reason
		q.mu.Unlock()
		item.complete(reason)
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return outbound{}, false
	}
	item := q.items[0]
	q.items[0] = outbound{}
	q.items = q.items[1:]
	return item, true
}

// close fails every queued send and every later push with reason.
func (q *sendQueue) close(reason error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.reason = reason
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range pending {
		item.complete(reason)
	}
}
