package session

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
)

// Outbound keeps the configured number of connections to addresses drawn
// from the host pool. Each unit of the target is a slot that fills itself
// with a batch of dials and refills as soon as its channel stops.
type Outbound struct {
	env *Env
}

// NewOutbound creates the outbound session.
func NewOutbound(env *Env) *Outbound {
	return &Outbound{env: env}
}

// Run maintains the target until ctx ends.
func (s *Outbound) Run(ctx context.Context) error {
	target := s.env.Settings.OutboundConnections
	if target == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Outbound.Run",
		"target":   target,
		"batch":    s.env.Settings.ConnectBatchSize,
	}).Info("Outbound session started")

	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < target; slot++ {
		g.Go(func() error {
			s.maintain(ctx, slot)
			return nil
		})
	}
	return g.Wait()
}

func (s *Outbound) maintain(ctx context.Context, slot int) {
	for ctx.Err() == nil {
		candidates := s.draw()
		ch, err := s.env.batch(ctx, kindOutbound, candidates, func(ch *channel.Channel) error {
			return s.env.register(ch, kindOutbound)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function":   "Outbound.maintain",
				"slot":       slot,
				"candidates": len(candidates),
				"error":      err.Error(),
			}).Debug("Outbound slot unfilled, retrying later")
			if !s.env.sleep(ctx, s.env.Settings.ConnectRetryDelay) {
				return
			}
			continue
		}

		select {
		case <-ch.Done():
		case <-ctx.Done():
			return
		}
	}
}

// draw picks up to one batch of distinct addresses that are neither
// connected nor being dialed.
func (s *Outbound) draw() []candidate {
	size := s.env.Settings.ConnectBatchSize
	chosen := make(map[address.Key]struct{}, size)
	candidates := make([]candidate, 0, size)

	for len(candidates) < size {
		addr, ok := s.env.Pool.Draw(func(key address.Key) bool {
			if _, taken := chosen[key]; taken {
				return true
			}
			return s.env.excluded(key)
		})
		if !ok {
			break
		}
		chosen[addr.Key()] = struct{}{}
		candidates = append(candidates, candidateOf(addr))
	}
	return candidates
}
