package session

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/protocol"
)

// Seed fills an empty host pool from the configured seed nodes and exits.
// Seeds are dialed in batches; the winner of each batch is asked for
// addresses once and then dropped.
type Seed struct {
	env   *Env
	seeds []string
}

// NewSeed creates the seed session over the configured seeds.
func NewSeed(env *Env) *Seed {
	return &Seed{env: env, seeds: env.Settings.Endpoints(env.Settings.Seeds)}
}

func (s *Seed) satisfied() bool {
	return s.env.Pool.Count() >= min(s.env.Settings.SeedMinimumHosts, s.env.Pool.Capacity())
}

// Run seeds until the pool holds the configured minimum or every seed has
// been tried. Failing to seed is logged, not returned.
func (s *Seed) Run(ctx context.Context) error {
	fields := logrus.Fields{
		"function": "Seed.Run",
		"seeds":    len(s.seeds),
		"minimum":  s.env.Settings.SeedMinimumHosts,
	}
	if len(s.seeds) == 0 || s.env.Settings.SeedMinimumHosts == 0 || s.env.Pool.Capacity() == 0 {
		return nil
	}
	if s.satisfied() {
		logrus.WithFields(fields).WithField("hosts", s.env.Pool.Count()).Debug("Host pool already seeded")
		return nil
	}

	logrus.WithFields(fields).Info("Seeding host pool")

	remaining := s.seeds
	for len(remaining) > 0 && !s.satisfied() {
		n := min(s.env.Settings.ConnectBatchSize, len(remaining))
		candidates := make([]candidate, 0, n)
		for _, endpoint := range remaining[:n] {
			candidates = append(candidates, candidateFor(endpoint))
		}
		remaining = remaining[n:]

		ch, err := s.env.batch(ctx, kindSeed, candidates, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		s.seed(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
	}

	if s.satisfied() {
		logrus.WithFields(fields).WithField("hosts", s.env.Pool.Count()).Info("Seeding complete")
	} else {
		logrus.WithFields(fields).WithField("hosts", s.env.Pool.Count()).Warn("Seeds exhausted before host pool filled")
	}
	return nil
}

func (s *Seed) seed(ctx context.Context, ch *channel.Channel) {
	seed := protocol.NewSeed(ch, &s.env.Node)
	seed.Start()
	ch.Resume()
	if err := seed.Wait(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Seed.seed",
			"seed":     ch.String(),
			"error":    err.Error(),
		}).Debug("Seed failed")
		ch.Stop(err)
		return
	}
	ch.Stop(channel.ErrStopped)
}
