package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/collections"
	"github.com/opd-ai/btcnet/metrics"
	"github.com/opd-ai/btcnet/protocol"
	"github.com/opd-ai/btcnet/transport"
)

var (
	// ErrNoCandidates indicates there was nothing to dial.
	ErrNoCandidates = errors.New("no connection candidates")

	// ErrBatchCancelled stops attempts that lost a batch race.
	ErrBatchCancelled = fmt.Errorf("superseded by another connection: %w", context.Canceled)
)

// Session names used in logs and metrics.
const (
	kindInbound  = "inbound"
	kindOutbound = "outbound"
	kindManual   = "manual"
	kindSeed     = "seed"
)

// Env is the state shared by every session of a node.
type Env struct {
	protocol.Node

	Transport   transport.Transport
	Codec       channel.Codec
	Connections *collections.Connections
	Pending     *collections.Pending
	Pool        *collections.HostPool
	Metrics     *metrics.Metrics

	// OnConnect runs for every channel right after registration.
	OnConnect func(*channel.Channel)
}

func (e *Env) clock() clock.Clock {
	if e.Clock == nil {
		return clock.New()
	}
	return e.Clock
}

// sleep waits for d on the node clock. It reports false if ctx ended first.
func (e *Env) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := e.clock().Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Env) newChannel(c connection) *channel.Channel {
	return channel.New(c.conn, c.authority, channel.Config{
		Codec:      e.Codec,
		Clock:      e.Clock,
		Version:    e.Settings.ProtocolMaximum,
		Inactivity: e.Settings.ChannelInactivity,
	})
}

// handshake starts ch and runs the version protocol on it. On failure the
// channel has been stopped.
func (e *Env) handshake(ctx context.Context, ch *channel.Channel, kind string) error {
	version := protocol.NewVersion(ch, &e.Node)
	version.Start()
	ch.Start()

	err := version.Wait(ctx)
	e.Metrics.Handshake(kind, err)

	fields := logrus.Fields{
		"function": "Env.handshake",
		"session":  kind,
		"peer":     ch.String(),
	}
	switch {
	case errors.Is(err, protocol.ErrInvalidConfiguration):
		logrus.WithFields(fields).WithField("error", err.Error()).Error("Handshake failed on local configuration")
	case err != nil:
		logrus.WithFields(fields).WithField("error", err.Error()).Debug("Handshake failed")
	default:
		logrus.WithFields(fields).WithField("version", ch.Version()).Debug("Handshake complete")
	}
	return err
}

// register promotes a handshaken channel: it joins the connection registry
// and gets the ping and address protocols, then its reader resumes. The
// channel is stopped if the address is already connected.
func (e *Env) register(ch *channel.Channel, kind string) error {
	key := ch.Authority().Key()
	if err := e.Connections.Store(ch); err != nil {
		ch.Stop(err)
		return err
	}

	ch.SubscribeStop(func(reason error) {
		e.Connections.Remove(key)
		e.Metrics.Stopped(reason)

		logrus.WithFields(logrus.Fields{
			"function": "Env.register",
			"session":  kind,
			"peer":     ch.String(),
			"reason":   reason.Error(),
		}).Info("Peer disconnected")
	})

	protocol.NewPing(ch, &e.Node).Start()
	protocol.NewAddress(ch, &e.Node).Start()

	if e.OnConnect != nil {
		e.OnConnect(ch)
	}
	ch.Resume()

	logrus.WithFields(logrus.Fields{
		"function": "Env.register",
		"session":  kind,
		"peer":     ch.String(),
		"version":  ch.Version(),
	}).Info("Peer connected")
	return nil
}

// excluded reports whether key must not be dialed now.
func (e *Env) excluded(key address.Key) bool {
	if e.Connections.Exists(key) || e.Pending.Contains(key) {
		return true
	}
	if self := e.Settings.SelfAddress(); self.IsValid() && self.Key() == key {
		return true
	}
	return e.Settings.Blacklisted(net.IP(key.IP[:]))
}
