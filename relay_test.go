package btcnet

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/btcnet/channel"
)

// dispatchFromPeers delivers msg once from each of n concurrent readers.
func dispatchFromPeers(r *relay, n int, msg wire.Message) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r.dispatch(nil, msg)
		}()
	}
	close(start)
	wg.Wait()
}

func TestRelaySerializesHandlerCalls(t *testing.T) {
	r := newRelay()

	var inFlight, maxInFlight, calls atomic.Int32
	r.subscribe(wire.CmdInv, func(err error, peer *channel.Channel, msg wire.Message) bool {
		if err != nil {
			return false
		}
		n := inFlight.Add(1)
		for {
			seen := maxInFlight.Load()
			if n <= seen || maxInFlight.CompareAndSwap(seen, n) {
				break
			}
		}
		calls.Add(1)
		inFlight.Add(-1)
		return true
	})

	dispatchFromPeers(r, 32, wire.NewMsgInv())
	assert.Equal(t, int32(32), calls.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRelayUnsubscribedHandlerIsNotCalledAgain(t *testing.T) {
	r := newRelay()

	var calls, stops atomic.Int32
	r.subscribe(channel.AnyCommand, func(err error, peer *channel.Channel, msg wire.Message) bool {
		if err != nil {
			stops.Add(1)
			return false
		}
		calls.Add(1)
		return false
	})

	dispatchFromPeers(r, 32, wire.NewMsgPing(1))
	assert.Equal(t, int32(1), calls.Load())

	r.stop(channel.ErrServiceStopped)
	assert.Equal(t, int32(0), stops.Load(), "an unsubscribed handler gets no stop notice")
}

func TestRelayStopNotifiesOnce(t *testing.T) {
	r := newRelay()

	var reasons []error
	r.subscribe(wire.CmdInv, func(err error, peer *channel.Channel, msg wire.Message) bool {
		if err != nil {
			reasons = append(reasons, err)
		}
		return true
	})

	r.stop(channel.ErrServiceStopped)
	r.stop(channel.ErrServiceStopped)
	dispatchFromPeers(r, 4, wire.NewMsgInv())

	assert.Equal(t, []error{channel.ErrServiceStopped}, reasons)
}
