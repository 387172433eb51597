package channel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btcnet/address"
)

const testVersion = 70002

var testCodec = WireCodec{Net: wire.MainNet}

// countingConn records how many times Close is called.
type countingConn struct {
	net.Conn
	closes atomic.Int32
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	return c.Conn.Close()
}

func newTestChannel(t *testing.T, clk clock.Clock, inactivity time.Duration) (*Channel, *countingConn, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	conn := &countingConn{Conn: local}
	authority, err := address.Parse("203.0.113.1:8333")
	require.NoError(t, err)

	ch := New(conn, authority, Config{
		Codec:      testCodec,
		Clock:      clk,
		Version:    testVersion,
		Inactivity: inactivity,
	})
	t.Cleanup(func() {
		ch.Stop(nil)
		remote.Close()
	})
	return ch, conn, remote
}

func TestStopConcurrentTearsDownOnce(t *testing.T) {
	ch, conn, _ := newTestChannel(t, clock.New(), 0)

	const subscribers = 3
	var notified [subscribers]atomic.Int32
	for i := 0; i < subscribers; i++ {
		i := i
		ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
			if err != nil {
				notified[i].Add(1)
			}
			return true
		})
	}
	var stopCallbacks atomic.Int32
	ch.SubscribeStop(func(error) { stopCallbacks.Add(1) })

	ch.Start()

	reasons := make([]error, 16)
	var wg sync.WaitGroup
	for i := range reasons {
		reasons[i] = errors.New("stop")
		wg.Add(1)
		go func(reason error) {
			defer wg.Done()
			ch.Stop(reason)
		}(reasons[i])
	}
	wg.Wait()
	ch.Wait()

	assert.Equal(t, int32(1), conn.closes.Load(), "transport closed once")
	for i := range notified {
		assert.Equal(t, int32(1), notified[i].Load(), "subscriber %d notified once", i)
	}
	assert.Equal(t, int32(1), stopCallbacks.Load())
	assert.Contains(t, reasons, ch.Err())
	assert.True(t, ch.Stopped())

	select {
	case <-ch.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopBeforeStartReleasesWaiters(t *testing.T) {
	ch, conn, _ := newTestChannel(t, clock.New(), 0)

	var handlerErr, sendErr error
	ch.Subscribe(wire.CmdVersion, func(err error, msg wire.Message) bool {
		handlerErr = err
		return false
	})
	ch.Send(wire.NewMsgVerAck(), func(err error) { sendErr = err })

	ch.Stop(nil)

	assert.ErrorIs(t, handlerErr, ErrStopped)
	assert.ErrorIs(t, sendErr, ErrStopped)
	assert.Equal(t, int32(1), conn.closes.Load())

	ch.Start()
	assert.True(t, ch.Stopped(), "Start after Stop does nothing")
}

func TestSendPreservesOrder(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)
	ch.Start()

	var mu sync.Mutex
	var completed []uint64
	for nonce := uint64(1); nonce <= 5; nonce++ {
		nonce := nonce
		ch.Send(wire.NewMsgPing(nonce), func(err error) {
			assert.NoError(t, err)
			mu.Lock()
			completed = append(completed, nonce)
			mu.Unlock()
		})
	}

	for want := uint64(1); want <= 5; want++ {
		msg, err := testCodec.ReadMessage(remote, testVersion)
		require.NoError(t, err)
		ping, ok := msg.(*wire.MsgPing)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, want, ping.Nonce)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, completed)
}

func TestPendingSendsFailOnStop(t *testing.T) {
	ch, _, _ := newTestChannel(t, clock.New(), 0)
	ch.Start()

	reason := errors.New("going away")
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		ch.Send(wire.NewMsgPing(uint64(i)), func(err error) { results <- err })
	}

	// Nobody reads the remote end, so the first write blocks.
	ch.Stop(reason)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, reason)
		case <-time.After(time.Second):
			t.Fatal("queued send not released by Stop")
		}
	}

	late := make(chan error, 1)
	ch.Send(wire.NewMsgVerAck(), func(err error) { late <- err })
	select {
	case err := <-late:
		assert.ErrorIs(t, err, reason, "send after stop fails")
	case <-time.After(time.Second):
		t.Fatal("send after stop never completed")
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)

	var mu sync.Mutex
	var calls []string
	record := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}

	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		record("first")
		return false
	})
	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		record("second")
		return true
	})
	ch.Subscribe(AnyCommand, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		record("any:" + msg.Command())
		return true
	})
	ch.Start()

	go func() {
		_ = testCodec.WriteMessage(remote, wire.NewMsgPing(1), testVersion)
		_ = testCodec.WriteMessage(remote, wire.NewMsgPing(2), testVersion)
		_ = testCodec.WriteMessage(remote, wire.NewMsgGetAddr(), testVersion)
	}()

	want := []string{"first", "second", "any:ping", "second", "any:ping", "any:getaddr"}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == len(want)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, want, calls)
	mu.Unlock()
}

func TestNoDeliveryAfterStopInsideHandler(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)

	var later atomic.Int32
	var laterStopped atomic.Int32
	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err == nil {
			ch.Stop(errors.New("protocol violation"))
		}
		return false
	})
	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err != nil {
			laterStopped.Add(1)
			return false
		}
		later.Add(1)
		return true
	})
	ch.Start()

	go func() { _ = testCodec.WriteMessage(remote, wire.NewMsgPing(7), testVersion) }()

	ch.Wait()
	assert.Equal(t, int32(0), later.Load(), "second handler must not see the message")
	assert.Equal(t, int32(1), laterStopped.Load(), "second handler gets the stop reason")
}

func TestSubscribeAfterStop(t *testing.T) {
	ch, _, _ := newTestChannel(t, clock.New(), 0)
	ch.Start()
	ch.Stop(ErrServiceStopped)
	ch.Wait()

	var got error
	ch.Subscribe(wire.CmdAddr, func(err error, msg wire.Message) bool {
		got = err
		return false
	})
	assert.ErrorIs(t, got, ErrServiceStopped)
}

func TestInactivityTimeout(t *testing.T) {
	mock := clock.NewMock()
	ch, _, _ := newTestChannel(t, mock, time.Minute)
	ch.Start()

	mock.Add(30 * time.Second)
	ch.Heartbeat()
	mock.Add(45 * time.Second)
	assert.False(t, ch.Stopped(), "heartbeat resets the window")

	mock.Add(time.Minute)
	assert.Eventually(t, ch.Stopped, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, ch.Err(), ErrTimeout)
}

func TestReceiveResetsInactivity(t *testing.T) {
	mock := clock.NewMock()
	ch, _, remote := newTestChannel(t, mock, time.Minute)

	received := make(chan struct{}, 1)
	ch.Subscribe(wire.CmdPong, func(err error, msg wire.Message) bool {
		if err == nil {
			received <- struct{}{}
		}
		return true
	})
	ch.Start()

	mock.Add(50 * time.Second)
	go func() { _ = testCodec.WriteMessage(remote, wire.NewMsgPong(1), testVersion) }()
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("pong not delivered")
	}

	mock.Add(50 * time.Second)
	assert.False(t, ch.Stopped())
}

func TestMalformedStreamStopsChannel(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)
	ch.Start()

	go func() {
		garbage := make([]byte, 24)
		for i := range garbage {
			garbage[i] = 0xff
		}
		_, _ = remote.Write(garbage)
	}()

	ch.Wait()
	assert.ErrorIs(t, ch.Err(), ErrMalformed)

	var chErr *Error
	require.ErrorAs(t, ch.Err(), &chErr)
	assert.Equal(t, "read", chErr.Op)
	assert.Equal(t, "203.0.113.1:8333", chErr.Addr)
}

func TestRemoteCloseStopsChannel(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)
	ch.Start()

	remote.Close()
	ch.Wait()

	assert.True(t, ch.Stopped())
	assert.NotErrorIs(t, ch.Err(), ErrTimeout)
}

func TestNegotiatedVersionSetOnce(t *testing.T) {
	ch, _, _ := newTestChannel(t, clock.New(), 0)

	assert.Equal(t, uint32(testVersion), ch.Version())
	assert.False(t, ch.Negotiated())

	require.NoError(t, ch.SetNegotiatedVersion(70001))
	assert.ErrorIs(t, ch.SetNegotiatedVersion(60001), ErrVersionAlreadySet)
	assert.Equal(t, uint32(70001), ch.Version())
	assert.True(t, ch.Negotiated())
}

func TestErrorFormatting(t *testing.T) {
	err := newError("write", "1.2.3.4:8333", ErrTimeout)
	assert.Equal(t, "channel write 1.2.3.4:8333: channel timed out", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)

	bare := newError("read", "", ErrStopped)
	assert.Equal(t, "channel read: channel stopped", bare.Error())
}

func TestPauseHoldsLaterMessages(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)

	pongs := make(chan uint64, 4)
	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		ch.Pause()
		return false
	})
	ch.Start()

	go func() {
		_ = testCodec.WriteMessage(remote, wire.NewMsgPing(1), testVersion)
		_ = testCodec.WriteMessage(remote, wire.NewMsgPong(2), testVersion)
	}()

	// Subscribed after the ping was handled, yet still sees the pong.
	time.Sleep(50 * time.Millisecond)
	ch.Subscribe(wire.CmdPong, func(err error, msg wire.Message) bool {
		if err != nil {
			return false
		}
		pongs <- msg.(*wire.MsgPong).Nonce
		return true
	})
	assert.Empty(t, pongs)

	ch.Resume()
	select {
	case nonce := <-pongs:
		assert.Equal(t, uint64(2), nonce)
	case <-time.After(time.Second):
		t.Fatal("pong not delivered after resume")
	}
}

func TestStopReleasesPausedReader(t *testing.T) {
	ch, _, remote := newTestChannel(t, clock.New(), 0)
	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
		if err == nil {
			ch.Pause()
		}
		return false
	})
	ch.Start()
	require.NoError(t, testCodec.WriteMessage(remote, wire.NewMsgPing(1), testVersion))

	ch.Stop(nil)
	done := make(chan struct{})
	go func() {
		ch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("paused reader did not exit on stop")
	}
}
