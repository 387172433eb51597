package channel

import (
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
)

// Config carries the per-channel parameters supplied by the session that
// opens the connection.
type Config struct {
	Codec Codec
	Clock clock.Clock
	// Version is the protocol version used for framing until the handshake
	// negotiates one.
	Version uint32
	// Inactivity is the idle window; zero disables the timer.
	Inactivity time.Duration
}

// Channel is a live message pump over one peer connection.
type Channel struct {
	conn       net.Conn
	codec      Codec
	clock      clock.Clock
	authority  address.Address
	nonce      uint64
	inactivity time.Duration

	version     atomic.Uint32
	negotiated  atomic.Bool
	peerVersion atomic.Pointer[wire.MsgVersion]

	subscriber *subscriber
	queue      *sendQueue

	mu      sync.Mutex
	started bool
	stopped bool
	reason  error
	timer   *clock.Timer
	held    chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New wraps conn. The channel does nothing until Start.
func New(conn net.Conn, authority address.Address, cfg Config) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Codec == nil {
		cfg.Codec = WireCodec{Net: wire.MainNet}
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		nonce = rand.Uint64()
	}

	c := &Channel{
		conn:       conn,
		codec:      cfg.Codec,
		clock:      cfg.Clock,
		authority:  authority,
		nonce:      nonce,
		inactivity: cfg.Inactivity,
		subscriber: newSubscriber(),
		queue:      newSendQueue(),
		quit:       make(chan struct{}),
	}
	c.version.Store(cfg.Version)
	return c
}

// Start launches the reader and writer goroutines and arms the inactivity
// timer. Calls after the first, or after Stop, do nothing.
func (c *Channel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true

	if c.inactivity > 0 {
		c.timer = c.clock.AfterFunc(c.inactivity, func() {
			c.Stop(ErrTimeout)
		})
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Channel.Start",
		"peer":     c.authority.String(),
		"nonce":    c.nonce,
	}).Debug("Channel started")
}

// Stop closes the channel with reason, or ErrStopped when reason is nil.
// Only the first call has any effect.
func (c *Channel) Stop(reason error) {
	if reason == nil {
		reason = ErrStopped
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.reason = reason
	started := c.started
	timer := c.timer
	close(c.quit)
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.conn.Close()

	// Without goroutines there is nobody else to release waiters.
	if !started {
		c.queue.close(reason)
		c.subscriber.stop(reason)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Channel.Stop",
		"peer":     c.authority.String(),
		"reason":   reason.Error(),
	}).Debug("Channel stopped")
}

// Stopped reports whether Stop has been called.
func (c *Channel) Stopped() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// Done is closed when the channel stops.
func (c *Channel) Done() <-chan struct{} {
	return c.quit
}

// Err returns the stop reason, or nil while the channel runs.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Wait blocks until the reader and writer goroutines exit.
func (c *Channel) Wait() {
	c.wg.Wait()
}

// Send queues msg behind every earlier send. done, if non-nil, is called
// exactly once with the write outcome, or with the stop reason if the
// channel stops first. done runs on the writer goroutine and must not block.
func (c *Channel) Send(msg wire.Message, done func(error)) {
	c.queue.push(outbound{msg: msg, done: done})
}

// Subscribe registers h for inbound messages with the given command, or for
// all messages with AnyCommand. Handlers for a command run in subscription
// order on the reader goroutine.
func (c *Channel) Subscribe(command string, h Handler) {
	c.subscriber.subscribe(command, h)
}

// SubscribeStop registers fn to run once with the stop reason.
func (c *Channel) SubscribeStop(fn func(error)) {
	c.subscriber.subscribeStop(fn)
}

// Heartbeat resets the inactivity timer.
func (c *Channel) Heartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil && !c.stopped {
		c.timer.Reset(c.inactivity)
	}
}

// Pause holds the reader before its next read until Resume or Stop. Called
// from a handler, it guarantees no later message is delivered before the
// caller has added its subscriptions.
func (c *Channel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil && !c.stopped {
		c.held = make(chan struct{})
	}
}

// Resume releases a reader held by Pause.
func (c *Channel) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held != nil {
		close(c.held)
		c.held = nil
	}
}

// awaitResume blocks the reader while the channel is paused.
func (c *Channel) awaitResume() {
	c.mu.Lock()
	held := c.held
	c.mu.Unlock()
	if held == nil {
		return
	}
	select {
	case <-held:
	case <-c.quit:
	}
}

// SetNegotiatedVersion fixes the protocol version used from now on.
func (c *Channel) SetNegotiatedVersion(v uint32) error {
	if !c.negotiated.CompareAndSwap(false, true) {
		return ErrVersionAlreadySet
	}
	c.version.Store(v)
	return nil
}

// Negotiated reports whether the handshake has fixed the version.
func (c *Channel) Negotiated() bool {
	return c.negotiated.Load()
}

// Version is the protocol version used for framing.
func (c *Channel) Version() uint32 {
	return c.version.Load()
}

// SetPeerVersion records the version message the peer announced.
func (c *Channel) SetPeerVersion(msg *wire.MsgVersion) {
	c.peerVersion.Store(msg)
}

// PeerVersion returns the peer's version message, or nil before the
// handshake has seen one.
func (c *Channel) PeerVersion() *wire.MsgVersion {
	return c.peerVersion.Load()
}

// Nonce is the random value this node puts in its version message.
func (c *Channel) Nonce() uint64 {
	return c.nonce
}

// Authority is the peer's address.
func (c *Channel) Authority() address.Address {
	return c.authority
}

// String identifies the channel in logs.
func (c *Channel) String() string {
	return c.authority.String()
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.codec.ReadMessage(c.conn, c.Version())
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) && !c.Stopped() {
				c.Heartbeat()
				continue
			}
			c.Stop(c.readError(err))
			break
		}
		if c.Stopped() {
			break
		}

		c.Heartbeat()
		c.subscriber.relay(msg, c.Stopped)
		c.awaitResume()
	}

	c.subscriber.stop(c.Err())
}

// readError classifies a read failure. Errors caused by our own Stop are
// replaced by the recorded reason by Stop itself.
func (c *Channel) readError(err error) error {
	var msgErr *wire.MessageError
	if errors.As(err, &msgErr) {
		return newError("read", c.authority.String(), errors.Join(ErrMalformed, err))
	}
	return newError("read", c.authority.String(), err)
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			c.queue.close(c.Err())
			return
		case <-c.queue.signal:
		}

		for {
			item, ok := c.queue.pop()
			if !ok {
				break
			}
			if c.Stopped() {
				item.complete(c.Err())
				continue
			}
			if err := c.codec.WriteMessage(c.conn, item.msg, c.Version()); err != nil {
				werr := newError("write", c.authority.String(), err)
				c.Stop(werr)
				item.complete(c.Err())
				continue
			}
			item.complete(nil)
		}
	}
}
