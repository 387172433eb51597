package protocol

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/btcnet/channel"
)

// Timer calls a handler after a delay, once or on every interval, for as
// long as its channel runs.
type Timer struct {
	ch        *channel.Channel
	clock     clock.Clock
	delay     time.Duration
	perpetual bool
	handler   func(error)

	mu    sync.Mutex
	timer *clock.Timer
	done  bool
}

// NewTimer creates a timer bound to ch. handler receives the timeout error
// on each expiry.
func NewTimer(ch *channel.Channel, clk clock.Clock, delay time.Duration, perpetual bool, handler func(error)) *Timer {
	return &Timer{
		ch:        ch,
		clock:     clk,
		delay:     delay,
		perpetual: perpetual,
		handler:   handler,
	}
}

// Name implements Protocol.
func (t *Timer) Name() string {
	return "timer"
}

// Start arms the timer. A non-positive delay never fires.
func (t *Timer) Start() {
	if t.delay <= 0 {
		return
	}
	t.mu.Lock()
	t.timer = t.clock.AfterFunc(t.delay, t.fire)
	t.mu.Unlock()

	t.ch.SubscribeStop(func(error) { t.Stop() })
}

// Stop disarms the timer without calling the handler.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.done || t.ch.Stopped() {
		t.mu.Unlock()
		return
	}
	if t.perpetual {
		t.timer = t.clock.AfterFunc(t.delay, t.fire)
	} else {
		t.done = true
	}
	t.mu.Unlock()

	t.handler(channel.ErrTimeout)
}
