package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/limits"
)

// Version performs the version/verack handshake on a fresh channel.
//
// The handshake completes when the peer's version has been accepted (and
// answered with a verack) and the peer's verack has arrived. The first
// failure among those events, a send error, the handshake deadline or the
// channel stopping decides the outcome; it is reported exactly once.
//
// Once both peer events have arrived the channel is paused, so messages the
// peer sends right after its verack wait for the caller. A caller that keeps
// the channel must attach its protocols and then call Resume.
type Version struct {
	ch   *channel.Channel
	node *Node

	// MinimumVersion and MinimumServices default to the settings values.
	MinimumVersion  uint32
	MinimumServices wire.ServiceFlag

	result chan error
	timer  *Timer

	// arrived counts accepted peer events; only the reader goroutine
	// touches it.
	arrived int
}

// NewVersion creates the handshake for ch.
func NewVersion(ch *channel.Channel, node *Node) *Version {
	return &Version{
		ch:              ch,
		node:            node,
		MinimumVersion:  node.Settings.ProtocolMinimum,
		MinimumServices: node.Settings.Services,
		result:          make(chan error, 1),
	}
}

// Name implements Protocol.
func (v *Version) Name() string {
	return "version"
}

// Start sends our version and subscribes to the peer's replies.
func (v *Version) Start() {
	complete := newJoin(2, func(err error) {
		if v.timer != nil {
			v.timer.Stop()
		}
		v.result <- err
	})

	v.timer = NewTimer(v.ch, v.node.clock(), v.node.Settings.ChannelHandshake, false, func(error) {
		complete(ErrHandshakeTimeout)
	})
	v.timer.Start()

	v.ch.Subscribe(wire.CmdVersion, func(err error, msg wire.Message) bool {
		if err != nil {
			complete(err)
			return false
		}
		v.handleVersion(msg.(*wire.MsgVersion), complete)
		return false
	})
	v.ch.Subscribe(wire.CmdVerAck, func(err error, msg wire.Message) bool {
		if err == nil {
			v.arrive()
		}
		complete(err)
		return false
	})

	v.ch.Send(v.versionMessage(), func(err error) {
		if err != nil {
			complete(err)
		}
	})
}

// Wait blocks until the handshake completes or ctx ends. On failure the
// channel is stopped with the returned error.
func (v *Version) Wait(ctx context.Context) error {
	var err error
	select {
	case err = <-v.result:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		v.ch.Stop(err)
	}
	return err
}

// Run is Start followed by Wait.
func (v *Version) Run(ctx context.Context) error {
	v.Start()
	return v.Wait(ctx)
}

// versionMessage announces our maximum version and services. The receiver
// address carries no services since we cannot attest them; the sender
// address carries exactly our own.
func (v *Version) versionMessage() *wire.MsgVersion {
	settings := v.node.Settings

	you := v.ch.Authority().WithServices(0).NetAddress()
	me := settings.SelfAddress().WithServices(settings.Services).NetAddress()

	return &wire.MsgVersion{
		ProtocolVersion: int32(settings.ProtocolMaximum),
		Services:        settings.Services,
		Timestamp:       time.Unix(v.node.clock().Now().Unix(), 0),
		AddrYou:         *you,
		AddrMe:          *me,
		Nonce:           v.ch.Nonce(),
		UserAgent:       settings.UserAgent,
		LastBlock:       int32(v.node.height()),
		DisableRelayTx:  !settings.RelayTransactions,
	}
}

func (v *Version) handleVersion(peer *wire.MsgVersion, complete func(error)) {
	settings := v.node.Settings
	fields := logrus.Fields{
		"function": "Version.handleVersion",
		"peer":     v.ch.String(),
		"version":  peer.ProtocolVersion,
		"services": peer.Services,
		"agent":    peer.UserAgent,
	}

	if err := limits.ValidateVersionRange(v.MinimumVersion, settings.ProtocolMaximum); err != nil {
		logrus.WithFields(fields).WithField("error", err.Error()).Error("Local protocol version bounds are invalid")
		complete(fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
		return
	}

	if v.node.ownNonce(peer.Nonce) {
		logrus.WithFields(fields).Debug("Dropping connection to self")
		complete(ErrSelfConnection)
		return
	}

	if peer.Services&v.MinimumServices != v.MinimumServices {
		logrus.WithFields(fields).Debug("Rejecting peer with insufficient services")
		v.reject(ReasonInsufficientServices, fmt.Errorf("%w: %v", ErrInsufficientServices, peer.Services), complete)
		return
	}

	if peer.ProtocolVersion < 0 || uint32(peer.ProtocolVersion) < v.MinimumVersion {
		logrus.WithFields(fields).Debug("Rejecting peer with insufficient version")
		v.reject(ReasonInsufficientVersion, fmt.Errorf("%w: %d", ErrInsufficientVersion, peer.ProtocolVersion), complete)
		return
	}

	negotiated := min(uint32(peer.ProtocolVersion), settings.ProtocolMaximum)
	if err := v.ch.SetNegotiatedVersion(negotiated); err != nil {
		complete(err)
		return
	}
	v.ch.SetPeerVersion(peer)

	logrus.WithFields(fields).WithField("negotiated", negotiated).Debug("Accepted peer version")

	v.arrive()
	v.ch.Send(wire.NewMsgVerAck(), complete)
}

func (v *Version) arrive() {
	v.arrived++
	if v.arrived == 2 {
		v.ch.Pause()
	}
}

// reject completes with cause only once the reject message has left, so
// stopping the channel cannot discard it.
func (v *Version) reject(reason string, cause error, complete func(error)) {
	msg := wire.NewMsgReject(wire.CmdVersion, wire.RejectObsolete, reason)
	v.ch.Send(msg, func(error) {
		complete(cause)
	})
}
