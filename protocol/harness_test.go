package protocol

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
	"github.com/opd-ai/btcnet/collections"
	"github.com/opd-ai/btcnet/config"
)

// harness connects a channel to a scripted remote end over a pipe.
type harness struct {
	t        *testing.T
	ch       *channel.Channel
	remote   net.Conn
	codec    channel.WireCodec
	pver     atomic.Uint32
	mock     *clock.Mock
	settings *config.Settings
	hosts    *collections.HostPool
	node     *Node
	incoming chan wire.Message
}

func newHarness(t *testing.T, mutate func(*config.Settings)) *harness {
	t.Helper()

	settings := config.NewSettings()
	settings.ChannelHandshake = 10 * time.Second
	settings.ChannelHeartbeat = time.Minute
	settings.ChannelGermination = 30 * time.Second
	if mutate != nil {
		mutate(settings)
	}

	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))

	local, remote := net.Pipe()
	authority, err := address.Parse("203.0.113.1:8333")
	require.NoError(t, err)

	codec := channel.WireCodec{Net: settings.Magic()}
	ch := channel.New(local, authority, channel.Config{
		Codec:   codec,
		Clock:   mock,
		Version: settings.ProtocolMaximum,
	})

	hosts := collections.NewHostPool(settings.HostPoolCapacity, settings.SelfAddress(), collections.EvictOldest)
	h := &harness{
		t:        t,
		ch:       ch,
		remote:   remote,
		codec:    codec,
		mock:     mock,
		settings: settings,
		hosts:    hosts,
		node: &Node{
			Settings: settings,
			Clock:    mock,
			Hosts:    hosts,
			Height:   func() uint32 { return 840000 },
		},
		incoming: make(chan wire.Message, 64),
	}
	h.pver.Store(settings.ProtocolMaximum)

	go func() {
		defer close(h.incoming)
		for {
			msg, err := codec.ReadMessage(remote, h.pver.Load())
			if err != nil {
				return
			}
			h.incoming <- msg
		}
	}()

	t.Cleanup(func() {
		ch.Stop(nil)
		remote.Close()
	})
	ch.Start()
	return h
}

// send writes msg from the remote end.
func (h *harness) send(msg wire.Message) {
	h.t.Helper()
	require.NoError(h.t, h.codec.WriteMessage(h.remote, msg, h.pver.Load()))
}

// expect returns the next message with command, skipping others.
func (h *harness) expect(command string) wire.Message {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-h.incoming:
			if !ok {
				h.t.Fatalf("remote closed while waiting for %s", command)
			}
			if msg.Command() == command {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", command)
		}
	}
}

// peerVersion builds a version message as a remote peer would send it.
func peerVersion(version int32, services wire.ServiceFlag, nonce uint64) *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.ParseIP("203.0.113.1"), 8333, services)
	you := wire.NewNetAddressIPPort(net.ParseIP("198.51.100.1"), 8333, 0)
	msg := wire.NewMsgVersion(me, you, nonce, 100)
	msg.ProtocolVersion = version
	msg.Services = services
	return msg
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("protocol did not complete")
		return nil
	}
}
