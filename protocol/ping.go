package protocol

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/channel"
)

// Ping keeps a handshaken channel alive with periodic pings.
//
// Peers newer than BIP31 echo the ping nonce in a pong; for them at most one
// ping is outstanding and a ping still unanswered at the next interval stops
// the channel. Older peers cannot answer, so every interval simply sends a
// nonce-less ping and any pong counts as liveness.
type Ping struct {
	ch   *channel.Channel
	node *Node

	matchNonce bool

	mu          sync.Mutex
	outstanding uint64
	sentAt      time.Time
	rtt         time.Duration
}

// NewPing creates the keepalive for ch. The variant follows the channel's
// negotiated version.
func NewPing(ch *channel.Channel, node *Node) *Ping {
	return &Ping{
		ch:         ch,
		node:       node,
		matchNonce: ch.Version() > wire.BIP0031Version,
	}
}

// Name implements Protocol.
func (p *Ping) Name() string {
	if p.matchNonce {
		return "ping-60001"
	}
	return "ping-31402"
}

// Start answers the peer's pings and begins sending our own.
func (p *Ping) Start() {
	p.ch.Subscribe(wire.CmdPing, p.handlePing)
	p.ch.Subscribe(wire.CmdPong, p.handlePong)

	NewTimer(p.ch, p.node.clock(), p.node.Settings.ChannelHeartbeat, true, p.onInterval).Start()
}

// RTT returns the last measured round trip, or zero.
func (p *Ping) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

func (p *Ping) onInterval(error) {
	if !p.matchNonce {
		p.ch.Send(wire.NewMsgPing(0), nil)
		return
	}

	p.mu.Lock()
	if p.outstanding != 0 {
		nonce := p.outstanding
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Ping.onInterval",
			"peer":     p.ch.String(),
			"nonce":    nonce,
		}).Debug("Ping unanswered, dropping peer")
		p.ch.Stop(ErrPingTimeout)
		return
	}
	nonce := newNonce()
	p.outstanding = nonce
	p.sentAt = p.node.clock().Now()
	p.mu.Unlock()

	p.ch.Send(wire.NewMsgPing(nonce), nil)
}

func (p *Ping) handlePing(err error, msg wire.Message) bool {
	if err != nil {
		return false
	}
	if p.matchNonce {
		p.ch.Send(wire.NewMsgPong(msg.(*wire.MsgPing).Nonce), nil)
	}
	return true
}

func (p *Ping) handlePong(err error, msg wire.Message) bool {
	if err != nil {
		return false
	}
	if !p.matchNonce {
		p.ch.Heartbeat()
		return true
	}

	pong := msg.(*wire.MsgPong)
	p.mu.Lock()
	if p.outstanding == 0 || pong.Nonce != p.outstanding {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Ping.handlePong",
			"peer":     p.ch.String(),
			"nonce":    pong.Nonce,
		}).Debug("Ignoring unsolicited pong")
		return true
	}
	p.outstanding = 0
	p.rtt = p.node.clock().Since(p.sentAt)
	p.mu.Unlock()

	p.ch.Heartbeat()
	return true
}

// newNonce never returns zero, which marks "no ping outstanding".
func newNonce() uint64 {
	for {
		if n, err := wire.RandomUint64(); err == nil && n != 0 {
			return n
		}
		if n := rand.Uint64(); n != 0 {
			return n
		}
	}
}
