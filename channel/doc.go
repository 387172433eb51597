// Package channel implements the message pump over a single peer
// connection.
//
// A Channel owns one net.Conn. Once started it runs two goroutines: a reader
// that decodes wire messages and relays them to subscribers in arrival order,
// and a writer that drains a FIFO send queue. Protocols attach to a channel
// by subscribing to commands and sending messages:
//
//	ch := channel.New(conn, authority, channel.Config{
//	    Codec:      channel.WireCodec{Net: wire.MainNet},
//	    Clock:      clock.New(),
//	    Version:    70002,
//	    Inactivity: 10 * time.Minute,
//	})
//	ch.Subscribe(wire.CmdPing, func(err error, msg wire.Message) bool {
//	    if err != nil {
//	        return false // channel stopped
//	    }
//	    ch.Send(wire.NewMsgPong(msg.(*wire.MsgPing).Nonce), nil)
//	    return true
//	})
//	ch.Start()
//
// # Stopping
//
// Stop is idempotent and may be called from any goroutine, including from
// inside a handler. The first call records the reason, closes the
// connection and releases every waiter: each subscriber is invoked exactly
// once with the reason and every queued send completes with it. Later calls
// do nothing. Done exposes the stop as a channel for select statements.
//
// # Inactivity
//
// A single timer runs for the lifetime of a started channel. Every received
// message and every call to Heartbeat resets it; if it expires the channel
// stops with ErrTimeout.
package channel
