package collections

import (
	"errors"
	"sync"

	"github.com/opd-ai/btcnet/address"
)

// ErrAlreadyPending indicates an attempt to the same address is in flight.
var ErrAlreadyPending = errors.New("already pending")

// Pending tracks connection attempts in flight. Addresses block duplicate
// concurrent dials; nonces identify our own outgoing version messages so a
// connection to ourselves can be recognized.
type Pending struct {
	mu        sync.RWMutex
	addresses map[address.Key]struct{}
	nonces    map[uint64]struct{}
}

// NewPending creates an empty registry.
func NewPending() *Pending {
	return &Pending{
		addresses: make(map[address.Key]struct{}),
		nonces:    make(map[uint64]struct{}),
	}
}

// Reserve marks addr as being dialed.
func (p *Pending) Reserve(addr address.Address) error {
	key := addr.Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.addresses[key]; exists {
		return ErrAlreadyPending
	}
	p.addresses[key] = struct{}{}
	return nil
}

// Release clears a reservation. Releasing twice is harmless.
func (p *Pending) Release(key address.Key) {
	p.mu.Lock()
	delete(p.addresses, key)
	p.mu.Unlock()
}

// Contains reports whether key is reserved.
func (p *Pending) Contains(key address.Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.addresses[key]
	return ok
}

// Count returns the number of reserved addresses.
func (p *Pending) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.addresses)
}

// StoreNonce records the nonce of a channel whose handshake is running.
func (p *Pending) StoreNonce(nonce uint64) {
	p.mu.Lock()
	p.nonces[nonce] = struct{}{}
	p.mu.Unlock()
}

// RemoveNonce forgets nonce.
func (p *Pending) RemoveNonce(nonce uint64) {
	p.mu.Lock()
	delete(p.nonces, nonce)
	p.mu.Unlock()
}

// ContainsNonce reports whether nonce belongs to one of our handshakes.
func (p *Pending) ContainsNonce(nonce uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.nonces[nonce]
	return ok
}
