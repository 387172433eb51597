// Package protocol implements the per-peer state machines that run on a
// channel: the version handshake, keepalive pings, address gossip, the seed
// address request and the timer they share.
//
// Each protocol attaches to exactly one channel and ends when that channel
// stops. Protocols never stop one another directly; a protocol that detects
// a fault stops the channel and every other protocol on it observes the
// stop through its subscriptions.
//
// The handshake and seed protocols produce a single outcome and expose Run,
// which blocks until that outcome is known:
//
//	if err := protocol.NewVersion(ch, node).Run(ctx); err != nil {
//	    return err // channel already stopped
//	}
//	protocol.NewPing(ch, node).Start()
//	protocol.NewAddress(ch, node).Start()
//	ch.Resume()
//
// A successful handshake leaves the channel paused so that nothing the peer
// sends after its verack is delivered before the follow-up protocols have
// subscribed.
package protocol
