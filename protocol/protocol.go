package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/config"
)

// Reject reasons sent to peers that fail the handshake.
const (
	ReasonInsufficientServices = "insufficient-services"
	ReasonInsufficientVersion  = "insufficient-version"
)

var (
	// ErrInsufficientServices indicates the peer lacks required services.
	ErrInsufficientServices = errors.New("peer services insufficient")

	// ErrInsufficientVersion indicates the peer version is below our minimum.
	ErrInsufficientVersion = errors.New("peer version insufficient")

	// ErrSelfConnection indicates the peer echoed one of our own nonces.
	ErrSelfConnection = errors.New("connected to self")

	// ErrInvalidConfiguration indicates local version bounds are unusable.
	// It is a local fault, never the peer's.
	ErrInvalidConfiguration = errors.New("invalid protocol configuration")

	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = fmt.Errorf("handshake: %w", channel.ErrTimeout)

	// ErrPingTimeout indicates a ping went unanswered for a full interval.
	ErrPingTimeout = fmt.Errorf("ping: %w", channel.ErrTimeout)

	// ErrSeedTimeout indicates a seed never answered the address request.
	ErrSeedTimeout = fmt.Errorf("seed: %w", channel.ErrTimeout)
)

// Protocol is a behavior attached to one channel.
type Protocol interface {
	// Name identifies the protocol in logs.
	Name() string
	// Start subscribes the protocol to its channel and sends any opening
	// messages. It does not block.
	Start()
}

var (
	_ Protocol = (*Version)(nil)
	_ Protocol = (*Ping)(nil)
	_ Protocol = (*Address)(nil)
	_ Protocol = (*Seed)(nil)
	_ Protocol = (*Timer)(nil)
)

// Hosts is the part of the host pool protocols use.
type Hosts interface {
	Store(addr address.Address) bool
	Sample(n int) []address.Address
}

// Node is the node-wide state protocols read.
type Node struct {
	Settings *config.Settings
	Clock    clock.Clock
	Hosts    Hosts
	// Height returns the chain height announced in version messages.
	Height func() uint32
	// IsOwnNonce reports whether a nonce belongs to one of our own
	// handshakes in progress.
	IsOwnNonce func(nonce uint64) bool
}

func (n *Node) height() uint32 {
	if n.Height == nil {
		return 0
	}
	return n.Height()
}

func (n *Node) ownNonce(nonce uint64) bool {
	return n.IsOwnNonce != nil && n.IsOwnNonce(nonce)
}

func (n *Node) clock() clock.Clock {
	if n.Clock == nil {
		return clock.New()
	}
	return n.Clock
}

// newJoin returns an event setter that calls handler exactly once: with the
// first non-nil error it receives, or with nil after count nil events.
// Events after completion are ignored.
func newJoin(count int, handler func(error)) func(error) {
	var mu sync.Mutex
	remaining := count
	done := false

	return func(err error) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		if err == nil {
			remaining--
			if remaining > 0 {
				mu.Unlock()
				return
			}
		}
		done = true
		mu.Unlock()
		handler(err)
	}
}
