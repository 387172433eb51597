package collections

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
	"github.com/opd-ai/btcnet/channel"
)

// ErrAlreadyConnected indicates a channel to the same address is registered.
var ErrAlreadyConnected = errors.New("already connected")

// Connections maps peer addresses to their handshaken channels. At most one
// channel is registered per address.
type Connections struct {
	mu       sync.RWMutex
	channels map[address.Key]*channel.Channel
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{channels: make(map[address.Key]*channel.Channel)}
}

// Store registers ch under its authority.
func (c *Connections) Store(ch *channel.Channel) error {
	key := ch.Authority().Key()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[key]; exists {
		return ErrAlreadyConnected
	}
	c.channels[key] = ch
	return nil
}

// Remove deletes the entry for key. Absent keys are ignored.
func (c *Connections) Remove(key address.Key) {
	c.mu.Lock()
	delete(c.channels, key)
	c.mu.Unlock()
}

// Exists reports whether key has a registered channel.
func (c *Connections) Exists(key address.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[key]
	return ok
}

// Count returns the number of registered channels.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// Channels returns a snapshot of the registered channels.
func (c *Connections) Channels() []*channel.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Broadcast sends msg to every registered channel. handler, if non-nil, is
// called once per channel with that send's outcome; a failed send does not
// affect the others.
func (c *Connections) Broadcast(msg wire.Message, handler func(*channel.Channel, error)) int {
	targets := c.Channels()

	logrus.WithFields(logrus.Fields{
		"function": "Connections.Broadcast",
		"command":  msg.Command(),
		"peers":    len(targets),
	}).Debug("Broadcasting message")

	for _, ch := range targets {
		ch := ch
		ch.Send(msg, func(err error) {
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Connections.Broadcast",
					"command":  msg.Command(),
					"peer":     ch.String(),
					"error":    err.Error(),
				}).Debug("Broadcast send failed")
			}
			if handler != nil {
				handler(ch, err)
			}
		})
	}
	return len(targets)
}

// StopAll stops every registered channel with reason and returns them.
// Entries are removed by each channel's stop handler, not here.
func (c *Connections) StopAll(reason error) []*channel.Channel {
	targets := c.Channels()
	for _, ch := range targets {
		ch.Stop(reason)
	}
	return targets
}
