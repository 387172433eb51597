package session

import (
	"context"
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
	"github.com/opd-ai/btcnet/protocol"
	"github.com/opd-ai/btcnet/simnet"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type testEnv struct {
	*Env
	network   *simnet.Network
	connected atomic.Int32
}

func newTestEnv(t *testing.T, mutate func(*config.Settings)) *testEnv {
	t.Helper()

	settings := config.NewSettings()
	settings.Seeds = nil
	settings.ConnectTimeout = time.Second
	settings.ConnectRetryDelay = 10 * time.Millisecond
	settings.ManualRetryDelay = 10 * time.Millisecond
	settings.ChannelHandshake = waitFor
	settings.ChannelHeartbeat = time.Hour
	settings.ChannelGermination = waitFor
	if mutate != nil {
		mutate(settings)
	}
	require.NoError(t, settings.Validate())

	network := simnet.NewNetwork()
	pool := collections.NewHostPool(settings.HostPoolCapacity, settings.SelfAddress(), collections.EvictOldest)
	pending := collections.NewPending()
	connections := collections.NewConnections()

	te := &testEnv{network: network}
	te.Env = &Env{
		Node: protocol.Node{
			Settings:   settings,
			Clock:      clock.New(),
			Hosts:      pool,
			IsOwnNonce: pending.ContainsNonce,
		},
		Transport:   network,
		Codec:       channel.WireCodec{Net: settings.Magic()},
		Connections: connections,
		Pending:     pending,
		Pool:        pool,
		OnConnect: func(*channel.Channel) {
			te.connected.Add(1)
		},
	}

	t.Cleanup(func() {
		for _, ch := range connections.StopAll(channel.ErrServiceStopped) {
			ch.Wait()
		}
	})
	return te
}

// addPeer serves endpoint with a fresh full node.
func (te *testEnv) addPeer(endpoint string) *simnet.Peer {
	peer := simnet.NewPeer(te.Settings.Magic())
	te.network.AddPeer(endpoint, peer)
	return peer
}

// run starts fn in the background and returns a function that cancels it
// and waits for its result.
func run(t *testing.T, fn func(context.Context) error) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- fn(ctx) }()

	stopped := false
	var err error
	stop := func() error {
		if stopped {
			return err
		}
		stopped = true
		cancel()
		select {
		case err = <-result:
		case <-time.After(waitFor):
			t.Fatal("session did not stop")
		}
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func mustAddress(t *testing.T, endpoint string) address.Address {
	t.Helper()
	a, err := address.Parse(endpoint)
	require.NoError(t, err)
	return a.WithServices(wire.SFNodeNetwork).WithTimestamp(time.Now())
}

func netAddress(ip string, port uint16) *wire.NetAddress {
	return wire.NewNetAddressIPPort(net.ParseIP(ip), port, wire.SFNodeNetwork)
}
