package session

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/protocol"
)

// candidate is an endpoint to dial. authority is the zero address when the
// endpoint is a host name; the dialed socket then supplies it.
type candidate struct {
	endpoint  string
	authority address.Address
}

func candidateFor(endpoint string) candidate {
	authority, err := address.Parse(endpoint)
	if err != nil {
		return candidate{endpoint: endpoint}
	}
	return candidate{endpoint: endpoint, authority: authority}
}

func candidateOf(addr address.Address) candidate {
	return candidate{endpoint: addr.String(), authority: addr}
}

// connection is a dialed socket and the peer address it stands for.
type connection struct {
	conn      net.Conn
	authority address.Address
}

// connect dials c and completes the handshake. Our nonce is held in the
// pending registry meanwhile so a dial that loops back to us is detected.
func (e *Env) connect(ctx context.Context, c candidate, kind string) (*channel.Channel, error) {
	dialCtx := ctx
	if timeout := e.Settings.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := e.Transport.Dial(dialCtx, c.endpoint)
	e.Metrics.Dial(err)
	if err != nil {
		return nil, err
	}

	authority := c.authority
	if !authority.IsValid() {
		authority, err = address.FromNetAddr(conn.RemoteAddr())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("peer address of %s: %w", c.endpoint, err)
		}
	}

	ch := e.newChannel(connection{conn: conn, authority: authority})
	nonce := ch.Nonce()
	e.Pending.StoreNonce(nonce)
	defer e.Pending.RemoveNonce(nonce)

	if err := e.handshake(ctx, ch, kind); err != nil {
		return nil, err
	}
	return ch, nil
}

type attempt struct {
	candidate candidate
	reserved  bool
	ch        *channel.Channel
	err       error
}

// batch dials every candidate in parallel and keeps the first to finish the
// handshake. The remaining attempts are cancelled and any that still
// succeed are stopped. promote, when non-nil, registers the winner; if it
// fails the winner is discarded and its error returned.
//
// Every pending reservation taken by the batch is released before batch
// returns.
func (e *Env) batch(ctx context.Context, kind string, candidates []candidate, promote func(*channel.Channel) error) (*channel.Channel, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attempt, len(candidates))
	for _, c := range candidates {
		a := attempt{candidate: c}
		if c.authority.IsValid() {
			if err := e.Pending.Reserve(c.authority); err != nil {
				a.err = fmt.Errorf("%s: %w", c.endpoint, err)
				results <- a
				continue
			}
			a.reserved = true
		}
		go func(a attempt) {
			a.ch, a.err = e.connect(batchCtx, a.candidate, kind)
			results <- a
		}(a)
	}

	var (
		winner *channel.Channel
		errs   error
	)
	for range candidates {
		a := <-results
		switch {
		case a.err != nil:
			e.forget(a.candidate, a.err, kind)
			if winner == nil {
				errs = multierr.Append(errs, a.err)
			}
		case winner != nil:
			a.ch.Stop(ErrBatchCancelled)
		default:
			winner = a.ch
			cancel()
			if promote != nil {
				if err := promote(winner); err != nil {
					errs = multierr.Append(errs, err)
					winner.Stop(err)
					winner = nil
				}
			}
		}
		if a.reserved {
			e.Pending.Release(a.candidate.authority.Key())
		}
	}

	fields := logrus.Fields{
		"function":   "Env.batch",
		"session":    kind,
		"candidates": len(candidates),
	}
	if winner == nil {
		logrus.WithFields(fields).WithField("error", errs.Error()).Debug("Batch produced no connection")
		return nil, errs
	}
	logrus.WithFields(fields).WithField("peer", winner.String()).Debug("Batch won")
	return winner, nil
}

// forget drops a candidate from the host pool when its handshake showed it
// can never become a usable peer.
func (e *Env) forget(c candidate, err error, kind string) {
	if e.Pool == nil || !c.authority.IsValid() {
		return
	}
	if !errors.Is(err, protocol.ErrSelfConnection) &&
		!errors.Is(err, protocol.ErrInsufficientServices) &&
		!errors.Is(err, protocol.ErrInsufficientVersion) {
		return
	}

	e.Pool.Remove(c.authority.Key())
	logrus.WithFields(logrus.Fields{
		"function": "Env.forget",
		"session":  kind,
		"peer":     c.endpoint,
		"error":    err.Error(),
	}).Debug("Removed unusable host")
}
