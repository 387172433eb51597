package simnet

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"
)

// Peer is a scripted remote node. Fields must be set before the first
// conversation starts.
type Peer struct {
	Net             wire.BitcoinNet
	ProtocolVersion int32
	Services        wire.ServiceFlag
	UserAgent       string
	// Nonce is announced in every version message; zero picks a fresh
	// random nonce per conversation.
	Nonce uint64
	// Addresses are served in reply to getaddr.
	Addresses []*wire.NetAddress
	// Silent peers read and record but never send anything.
	Silent bool
	// IgnorePings suppresses pong replies.
	IgnorePings bool

	mu            sync.Mutex
	received      []wire.Message
	conversations []*conversation
}

// conversation frames every message at the library's protocol version
// whatever version the peer announces, so rejects and pings always decode.
type conversation struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewPeer returns a full node peer on the given network.
func NewPeer(bitcoinNet wire.BitcoinNet) *Peer {
	return &Peer{
		Net:             bitcoinNet,
		ProtocolVersion: int32(wire.ProtocolVersion),
		Services:        wire.SFNodeNetwork,
		UserAgent:       "/simnet:0.1.0/",
	}
}

// Serve runs one conversation on c until it closes.
func (p *Peer) Serve(c net.Conn) {
	conv := &conversation{conn: c}
	p.mu.Lock()
	p.conversations = append(p.conversations, conv)
	p.mu.Unlock()
	defer c.Close()

	if !p.Silent {
		if err := p.write(conv, p.versionMessage(c)); err != nil {
			return
		}
	}

	for {
		msg, _, err := wire.ReadMessage(c, wire.ProtocolVersion, p.Net)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownMessage) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Peer.Serve",
				"remote":   c.RemoteAddr().String(),
				"error":    err.Error(),
			}).Debug("Simulated peer conversation ended")
			return
		}

		p.mu.Lock()
		p.received = append(p.received, msg)
		p.mu.Unlock()

		if p.Silent {
			continue
		}
		if err := p.respond(conv, msg); err != nil {
			return
		}
	}
}

func (p *Peer) respond(conv *conversation, msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		return p.write(conv, wire.NewMsgVerAck())
	case *wire.MsgPing:
		if p.IgnorePings {
			return nil
		}
		return p.write(conv, wire.NewMsgPong(m.Nonce))
	case *wire.MsgGetAddr:
		if len(p.Addresses) == 0 {
			return nil
		}
		reply := wire.NewMsgAddr()
		for _, na := range p.Addresses {
			if err := reply.AddAddress(na); err != nil {
				break
			}
		}
		return p.write(conv, reply)
	}
	return nil
}

func (p *Peer) versionMessage(c net.Conn) *wire.MsgVersion {
	nonce := p.Nonce
	if nonce == 0 {
		nonce, _ = wire.RandomUint64()
	}
	me := netAddress(c.LocalAddr(), p.Services)
	you := netAddress(c.RemoteAddr(), 0)

	msg := wire.NewMsgVersion(me, you, nonce, 0)
	msg.ProtocolVersion = p.ProtocolVersion
	msg.Services = p.Services
	msg.UserAgent = p.UserAgent
	msg.Timestamp = time.Unix(time.Now().Unix(), 0)
	return msg
}

func (p *Peer) write(conv *conversation, msg wire.Message) error {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return wire.WriteMessage(conv.conn, msg, wire.ProtocolVersion, p.Net)
}

// Send writes msg to every open conversation and returns the first error.
func (p *Peer) Send(msg wire.Message) error {
	p.mu.Lock()
	convs := append([]*conversation(nil), p.conversations...)
	p.mu.Unlock()

	var first error
	for _, conv := range convs {
		if err := p.write(conv, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close ends every conversation.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conv := range p.conversations {
		conv.conn.Close()
	}
}

// Conversations counts the connections served so far.
func (p *Peer) Conversations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conversations)
}

// Received returns a copy of every message received so far.
func (p *Peer) Received() []wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wire.Message(nil), p.received...)
}

// Count returns how many messages with the given command were received.
func (p *Peer) Count(command string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, msg := range p.received {
		if msg.Command() == command {
			n++
		}
	}
	return n
}

func netAddress(addr net.Addr, services wire.ServiceFlag) *wire.NetAddress {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return wire.NewNetAddressIPPort(net.IPv4zero, 0, services)
	}
	return wire.NewNetAddressIPPort(tcp.IP, uint16(tcp.Port), services)
}
