package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/btcnet/address"
)

// Inbound accepts peers from a listener. It owns the listener and closes it
// when Run returns.
type Inbound struct {
	env      *Env
	listener net.Listener
	limiter  *rate.Limiter
	active   atomic.Int64
}

// NewInbound creates the inbound session for listener.
func NewInbound(env *Env, listener net.Listener) *Inbound {
	limit := rate.Inf
	if env.Settings.InboundRate > 0 {
		limit = rate.Limit(env.Settings.InboundRate)
	}
	return &Inbound{
		env:      env,
		listener: listener,
		limiter:  rate.NewLimiter(limit, max(env.Settings.InboundBurst, 1)),
	}
}

// Active returns the number of inbound channels accepted and not yet
// stopped, handshaking or registered.
func (s *Inbound) Active() int {
	return int(s.active.Load())
}

// Run accepts until ctx ends. Individual connection failures never end the
// loop.
func (s *Inbound) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.listener.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Inbound.Run",
		"endpoint": s.listener.Addr().String(),
		"limit":    s.env.Settings.InboundConnections,
	}).Info("Inbound session started")

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Inbound.Run",
				}).Info("Inbound session stopped")
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Inbound.Run",
				"error":    err.Error(),
			}).Debug("Accept failed")
			continue
		}

		authority, ok := s.admit(conn)
		if !ok {
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.accept(ctx, connection{conn: conn, authority: authority})
		}()
	}
}

// admit applies the blacklist and the connection limit. On success the
// connection is counted as active.
func (s *Inbound) admit(conn net.Conn) (address.Address, bool) {
	fields := logrus.Fields{
		"function": "Inbound.admit",
		"remote":   conn.RemoteAddr().String(),
	}

	authority, err := address.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		logrus.WithFields(fields).WithField("error", err.Error()).Debug("Dropping connection with unusable address")
		return address.Address{}, false
	}
	if s.env.Settings.Blacklisted(authority.NetIP()) {
		logrus.WithFields(fields).Debug("Dropping blacklisted peer")
		return address.Address{}, false
	}
	if n := s.active.Add(1); n > int64(s.env.Settings.InboundConnections) {
		s.active.Add(-1)
		logrus.WithFields(fields).WithField("active", n-1).Debug("Dropping peer over inbound limit")
		return address.Address{}, false
	}
	return authority, true
}

func (s *Inbound) accept(ctx context.Context, c connection) {
	ch := s.env.newChannel(c)
	ch.SubscribeStop(func(error) {
		s.active.Add(-1)
	})

	if err := s.env.handshake(ctx, ch, kindInbound); err != nil {
		return
	}
	if err := s.env.register(ch, kindInbound); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Inbound.accept",
			"peer":     ch.String(),
			"error":    err.Error(),
		}).Debug("Dropping handshaken peer")
	}
}
