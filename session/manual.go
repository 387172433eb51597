package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/channel"
)

// Manual keeps explicitly named peers connected. Manual peers ignore the
// outbound target and the host pool. A peer that fails is retried with
// exponential backoff, forever unless an attempt limit is configured.
type Manual struct {
	env *Env

	mu      sync.Mutex
	ctx     context.Context
	queued  []string
	closed  bool
	workers sync.WaitGroup
}

// NewManual creates the manual session.
func NewManual(env *Env) *Manual {
	return &Manual{env: env}
}

// Connect adds a peer endpoint. Before Run the endpoint is queued; while Run
// is active the connection starts immediately; after Run it is ignored.
func (s *Manual) Connect(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		logrus.WithFields(logrus.Fields{
			"function": "Manual.Connect",
			"endpoint": endpoint,
		}).Warn("Manual session stopped, ignoring peer")
	case s.ctx == nil:
		s.queued = append(s.queued, endpoint)
	default:
		s.spawn(s.ctx, endpoint)
	}
}

// spawn must be called with mu held.
func (s *Manual) spawn(ctx context.Context, endpoint string) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		s.maintain(ctx, endpoint)
	}()
}

// Run connects every queued peer and keeps them connected until ctx ends.
func (s *Manual) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	for _, endpoint := range s.queued {
		s.spawn(ctx, endpoint)
	}
	s.queued = nil
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.workers.Wait()
	return nil
}

func (s *Manual) maintain(ctx context.Context, endpoint string) {
	settings := s.env.Settings
	target := candidateFor(endpoint)
	delay := settings.ManualRetryDelay
	failures := 0

	for ctx.Err() == nil {
		ch, err := s.env.batch(ctx, kindManual, []candidate{target}, func(ch *channel.Channel) error {
			return s.env.register(ch, kindManual)
		})
		if err == nil {
			failures, delay = 0, settings.ManualRetryDelay
			select {
			case <-ch.Done():
				continue
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		fields := logrus.Fields{
			"function": "Manual.maintain",
			"endpoint": endpoint,
			"failures": failures,
			"error":    err.Error(),
		}
		if limit := settings.ManualAttemptLimit; limit > 0 && failures >= limit {
			logrus.WithFields(fields).Warn("Giving up on manual peer")
			return
		}
		logrus.WithFields(fields).WithField("retry_in", delay.String()).Debug("Manual peer unreachable")

		if !s.env.sleep(ctx, delay) {
			return
		}
		delay = nextDelay(delay, settings.ManualRetryMaxDelay)
	}
}

// nextDelay doubles d up to ceiling. A zero ceiling leaves d unbounded.
func nextDelay(d, ceiling time.Duration) time.Duration {
	next := 2 * d
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}
