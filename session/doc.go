// Package session implements the connection acquisition policies of a
// btcnet node.
//
// # Sessions
//
// Each session is a long-running loop started by the coordinator with a
// context that ends on shutdown:
//
//   - Inbound accepts connections from a listener, bounded by the configured
//     inbound count and an optional accept rate.
//   - Outbound keeps a target number of connections to addresses drawn from
//     the host pool. Every open slot is filled by a batch of parallel dials
//     of which only the first to finish the handshake is kept.
//   - Manual keeps configured peers connected, retrying with exponential
//     backoff. Peers can be added while the session runs.
//   - Seed bootstraps the host pool from seed nodes and then exits.
//
// # Shared State
//
// All sessions share one Env: the node settings and clock, the transport,
// and the connection, pending and host registries. A channel is registered
// only after a successful version handshake; registration attaches the
// ping and address protocols and removes the channel again when it stops.
package session
