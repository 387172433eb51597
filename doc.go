// Package btcnet implements the peer-to-peer networking layer of a Bitcoin
// node: connection acquisition, the version handshake, keepalive and
// address gossip over the btcd wire codec.
//
// # Getting Started
//
// Create a node from options, subscribe to the messages higher layers care
// about and start it:
//
//	options := btcnet.NewOptions()
//	options.Settings.Peers = []string{"203.0.113.7"}
//
//	node, err := btcnet.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node.Subscribe(wire.CmdInv, func(err error, peer *channel.Channel, msg wire.Message) bool {
//	    if err != nil {
//	        return false
//	    }
//	    // handle msg.(*wire.MsgInv)
//	    return true
//	})
//
//	if err := node.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
// # Sessions
//
// Start runs four sessions concurrently. The seed session fills the host
// pool from DNS seeds and exits. Manual sessions keep configured peers
// connected. The inbound session accepts peers when a port is configured.
// The outbound session keeps the configured number of connections to hosts
// drawn from the pool.
//
// # Shutdown
//
// Stop cancels every session, stops every channel with
// channel.ErrServiceStopped, waits for them and saves the host pool.
//
// # Subpackages
//
//   - config: settings, defaults and YAML loading
//   - channel: the message pump over one connection
//   - protocol: version, ping, address and seed protocols
//   - session: inbound, outbound, manual and seed sessions
//   - collections: connection, pending and host registries
//   - transport: TCP with optional SOCKS5 or HTTP proxy
//   - metrics: Prometheus collectors
//   - simnet: in-memory network for tests
package btcnet
