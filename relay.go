package btcnet

import (
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"

	"github.com/opd-ai/btcnet/channel"
)

// Handler receives messages from any connected peer. It is called with a
// nil error for each message and once with the stop reason when the node
// stops, with peer and msg nil. Returning false unsubscribes; no call
// follows. Different handlers run concurrently, but calls to one handler are
// serialized across peers, so a slow handler holds up the peers it serves.
type Handler func(err error, peer *channel.Channel, msg wire.Message) bool

// relayEntry is one subscription. mu serializes calls to the handler; done
// is only set while mu is held but may be read without it.
type relayEntry struct {
	handler Handler
	mu      sync.Mutex
	done    atomic.Bool
}

// deliver calls the handler unless it has unsubscribed and reports whether
// it remains subscribed.
func (e *relayEntry) deliver(err error, ch *channel.Channel, msg wire.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done.Load() {
		return false
	}
	if !e.handler(err, ch, msg) || err != nil {
		e.done.Store(true)
		return false
	}
	return true
}

// relay fans messages from every registered channel out to node-level
// subscribers.
type relay struct {
	mu       sync.Mutex
	handlers map[string][]*relayEntry
}

func newRelay() *relay {
	return &relay{handlers: make(map[string][]*relayEntry)}
}

func (r *relay) subscribe(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[command] = append(r.handlers[command], &relayEntry{handler: h})
}

// attach forwards every message ch receives.
func (r *relay) attach(ch *channel.Channel) {
	ch.Subscribe(channel.AnyCommand, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		r.dispatch(ch, msg)
		return true
	})
}

func (r *relay) dispatch(ch *channel.Channel, msg wire.Message) {
	r.mu.Lock()
	entries := append([]*relayEntry(nil), r.handlers[msg.Command()]...)
	entries = append(entries, r.handlers[channel.AnyCommand]...)
	r.mu.Unlock()

	unsubscribed := false
	for _, e := range entries {
		if !e.deliver(nil, ch, msg) {
			unsubscribed = true
		}
	}
	if unsubscribed {
		r.prune()
	}
}

func (r *relay) prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for command, entries := range r.handlers {
		kept := entries[:0]
		for _, e := range entries {
			if !e.done.Load() {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.handlers, command)
		} else {
			r.handlers[command] = kept
		}
	}
}

// stop notifies and drops every subscriber.
func (r *relay) stop(reason error) {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[string][]*relayEntry)
	r.mu.Unlock()

	for _, entries := range handlers {
		for _, e := range entries {
			e.deliver(reason, nil, nil)
		}
	}
}
