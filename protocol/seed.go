package protocol

import (
	"context"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
)

// Seed asks a seed node for addresses once. It completes when our
// announcement and request have been sent and the first addr reply has been
// stored, or when the germination deadline passes.
type Seed struct {
	ch     *channel.Channel
	node   *Node
	result chan error
	timer  *Timer
}

// NewSeed creates the seed request for ch.
func NewSeed(ch *channel.Channel, node *Node) *Seed {
	return &Seed{ch: ch, node: node, result: make(chan error, 1)}
}

// Name implements Protocol.
func (s *Seed) Name() string {
	return "seed"
}

// Start sends the request and subscribes to the reply.
func (s *Seed) Start() {
	complete := newJoin(3, func(err error) {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.result <- err
	})

	s.timer = NewTimer(s.ch, s.node.clock(), s.node.Settings.ChannelGermination, false, func(error) {
		complete(ErrSeedTimeout)
	})
	s.timer.Start()

	s.ch.Subscribe(wire.CmdAddr, func(err error, msg wire.Message) bool {
		if err != nil {
			complete(err)
			return false
		}
		addrs := msg.(*wire.MsgAddr)
		stored, err := storeAddresses(s.node, addrs)
		if err != nil {
			complete(err)
			return false
		}

		logrus.WithFields(logrus.Fields{
			"function": "Seed.handleAddr",
			"seed":     s.ch.String(),
			"received": len(addrs.AddrList),
			"stored":   stored,
		}).Info("Seeded addresses")

		complete(nil)
		return false
	})

	sent := func(err error) { complete(err) }
	if self := s.node.Settings.SelfAddress(); self.IsRoutable() {
		s.ch.Send(addrMessage([]address.Address{self.WithTimestamp(s.node.clock().Now())}), sent)
	} else {
		complete(nil)
	}
	s.ch.Send(wire.NewMsgGetAddr(), sent)
}

// Wait blocks for the outcome. The channel is left running; seed sessions
// stop it themselves once done.
func (s *Seed) Wait(ctx context.Context) error {
	select {
	case err := <-s.result:
		return err
	case <-ctx.Done():
		s.ch.Stop(ctx.Err())
		return ctx.Err()
	}
}

// Run is Start followed by Wait.
func (s *Seed) Run(ctx context.Context) error {
	s.Start()
	return s.Wait(ctx)
}
