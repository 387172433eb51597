// Package simnet provides an in-memory network for testing btcnet without
// sockets.
//
// # Overview
//
// A Network implements the transport interface used by sessions. Dials are
// routed to in-memory listeners or to scripted peers registered with
// AddPeer, and every connection is a net.Pipe dressed up with TCP addresses
// so the rest of the stack sees ordinary peer endpoints.
//
// # Peers
//
// A Peer speaks the Bitcoin wire protocol well enough to drive the node
// under test: it announces a version, acknowledges ours, answers pings and
// serves a fixed address list on getaddr. Every message it receives is
// recorded for later assertions.
//
//	network := simnet.NewNetwork()
//	peer := simnet.NewPeer(wire.MainNet)
//	network.AddPeer("203.0.113.7:8333", peer)
//
// # Dial Hooks
//
// SetDialHook intercepts every dial before it is routed. Hooks can fail a
// dial, delay it until the caller gives up, or record the order of attempts,
// which is how batch races are made deterministic in tests.
package simnet
