package channel

import (
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// AnyCommand subscribes a handler to every inbound message.
const AnyCommand = ""

// Handler receives inbound messages for one subscription. When the channel
// stops the handler is called a final time with the stop reason and a nil
// message. Returning false ends the subscription.
type Handler func(err error, msg wire.Message) bool

// subscriber keeps per-command handler lists in subscription order.
type subscriber struct {
	mu       sync.Mutex
	stopped  bool
	reason   error
	handlers map[string][]Handler
	order    []string
	onStop   []func(error)
}

func newSubscriber() *subscriber {
	return &subscriber{handlers: make(map[string][]Handler)}
}

// subscribe appends h. A handler added after stop is notified immediately.
func (s *subscriber) subscribe(command string, h Handler) {
	s.mu.Lock()
	if s.stopped {
		reason := s.reason
		s.mu.Unlock()
		h(reason, nil)
		return
	}
	if _, ok := s.handlers[command]; !ok {
		s.order = append(s.order, command)
	}
	s.handlers[command] = append(s.handlers[command], h)
	s.mu.Unlock()
}

func (s *subscriber) subscribeStop(fn func(error)) {
	s.mu.Lock()
	if s.stopped {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.onStop = append(s.onStop, fn)
	s.mu.Unlock()
}

// relay delivers msg to the command's handlers, then to AnyCommand handlers.
// Delivery halts as soon as halted reports true; handlers not reached stay
// subscribed and receive the stop reason instead. relay and stop are only
// ever called from the channel's reader goroutine.
func (s *subscriber) relay(msg wire.Message, halted func() bool) {
	for _, command := range [...]string{msg.Command(), AnyCommand} {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		current := s.handlers[command]
		s.handlers[command] = nil
		s.mu.Unlock()

		keep := make([]Handler, 0, len(current))
		for i, h := range current {
			if halted() {
				keep = append(keep, current[i:]...)
				break
			}
			if h(nil, msg) {
				keep = append(keep, h)
			}
		}

		s.mu.Lock()
		// Handlers subscribed during delivery go after the existing ones.
		s.handlers[command] = append(keep, s.handlers[command]...)
		s.mu.Unlock()
	}
}

// stop notifies every handler and stop callback exactly once.
func (s *subscriber) stop(reason error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.reason = reason
	var all []Handler
	for _, command := range s.order {
		all = append(all, s.handlers[command]...)
	}
	onStop := s.onStop
	s.handlers = nil
	s.onStop = nil
	s.mu.Unlock()

	for _, h := range all {
		h(reason, nil)
	}
	for _, fn := range onStop {
		fn(reason)
	}
}
