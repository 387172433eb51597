package protocol

import (
	"errors"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/limits"
)

// Address gossips peer addresses after the handshake: it announces our own
// address, asks the peer for its addresses, stores every address the peer
// announces and answers the peer's first getaddr with a random sample of
// the host pool.
type Address struct {
	ch        *channel.Channel
	node      *Node
	responded atomic.Bool
}

// NewAddress creates the address protocol for ch.
func NewAddress(ch *channel.Channel, node *Node) *Address {
	return &Address{ch: ch, node: node}
}

// Name implements Protocol.
func (a *Address) Name() string {
	return "address"
}

// Start subscribes to addr and getaddr and opens the exchange. A node with
// no host pool neither requests nor serves addresses.
func (a *Address) Start() {
	if a.node.Settings.HostPoolCapacity == 0 || a.node.Hosts == nil {
		return
	}

	a.ch.Subscribe(wire.CmdAddr, a.handleAddr)
	a.ch.Subscribe(wire.CmdGetAddr, a.handleGetAddr)

	if self := a.node.Settings.SelfAddress(); self.IsRoutable() {
		a.ch.Send(addrMessage([]address.Address{self.WithTimestamp(a.node.clock().Now())}), nil)
	}
	a.ch.Send(wire.NewMsgGetAddr(), nil)
}

func (a *Address) handleAddr(err error, msg wire.Message) bool {
	if err != nil {
		return false
	}
	fields := logrus.Fields{
		"function": "Address.handleAddr",
		"peer":     a.ch.String(),
		"received": len(msg.(*wire.MsgAddr).AddrList),
	}
	stored, err := storeAddresses(a.node, msg.(*wire.MsgAddr))
	if err != nil {
		logrus.WithFields(fields).WithField("error", err.Error()).Debug("Dropping peer with oversized addr")
		a.ch.Stop(err)
		return false
	}

	logrus.WithFields(fields).WithField("stored", stored).Debug("Received addresses")
	return true
}

func (a *Address) handleGetAddr(err error, msg wire.Message) bool {
	if err != nil {
		return false
	}
	if !a.responded.CompareAndSwap(false, true) {
		logrus.WithFields(logrus.Fields{
			"function": "Address.handleGetAddr",
			"peer":     a.ch.String(),
		}).Debug("Ignoring repeated getaddr")
		return true
	}

	reply := gossipSample(a.node, a.ch.Authority())
	a.ch.Send(addrMessage(reply), nil)

	logrus.WithFields(logrus.Fields{
		"function": "Address.handleGetAddr",
		"peer":     a.ch.String(),
		"count":    len(reply),
	}).Debug("Answered getaddr")
	return true
}

// gossipSample draws addresses worth sharing: routable (or on a local
// network), not ourselves and not the requesting peer.
func gossipSample(node *Node, requester address.Address) []address.Address {
	self := node.Settings.SelfAddress()
	local := node.Settings.LocalNetwork()
	candidates := node.Hosts.Sample(limits.MaxGetAddrReply)

	out := make([]address.Address, 0, len(candidates))
	for _, c := range candidates {
		if (!local && !c.IsRoutable()) || c.Equal(self) || c.Equal(requester) {
			continue
		}
		out = append(out, c)
	}
	return out[:limits.ClampAddressCount(len(out))]
}

// storeAddresses adds announced addresses to the host pool. Outside local
// networks unroutable addresses are skipped. A list longer than one message
// allows is malformed.
func storeAddresses(node *Node, msg *wire.MsgAddr) (int, error) {
	if err := limits.ValidateAddressCount(len(msg.AddrList)); err != nil {
		return 0, errors.Join(channel.ErrMalformed, err)
	}
	if node.Hosts == nil {
		return 0, nil
	}

	local := node.Settings.LocalNetwork()
	stored := 0
	for _, na := range msg.AddrList {
		addr := address.FromNetAddress(na)
		if !local && !addr.IsRoutable() {
			continue
		}
		if node.Hosts.Store(addr) {
			stored++
		}
	}
	return stored, nil
}

func addrMessage(addrs []address.Address) *wire.MsgAddr {
	msg := wire.NewMsgAddr()
	for _, a := range addrs {
		if err := msg.AddAddress(a.NetAddress()); err != nil {
			break
		}
	}
	return msg
}
