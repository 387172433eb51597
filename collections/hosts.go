package collections

import (
	"math/rand/v2"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
)

// EvictionPolicy selects which entry a full pool discards.
type EvictionPolicy int

const (
	// EvictOldest discards the least recently inserted address.
	EvictOldest EvictionPolicy = iota
	// EvictRandom discards a uniformly random address.
	EvictRandom
)

// ParseEvictionPolicy maps a settings value to a policy. Unknown names fall
// back to EvictOldest.
func ParseEvictionPolicy(name string) EvictionPolicy {
	if name == "random" {
		return EvictRandom
	}
	return EvictOldest
}

// AddressStore is the persistence contract of the host pool.
type AddressStore interface {
	LoadAddresses() ([]address.Address, error)
	SaveAddresses(addrs []address.Address) error
}

// HostPool is a bounded, deduplicated set of known peer addresses.
type HostPool struct {
	mu       sync.RWMutex
	entries  *simplelru.LRU[address.Key, address.Address]
	capacity int
	self     address.Key
	hasSelf  bool
	policy   EvictionPolicy
}

// NewHostPool creates a pool holding at most capacity addresses. A capacity
// of zero disables the pool: every store is dropped. self, when valid, is
// never stored.
func NewHostPool(capacity int, self address.Address, policy EvictionPolicy) *HostPool {
	h := &HostPool{
		capacity: capacity,
		policy:   policy,
	}
	if self.IsValid() {
		h.self = self.Key()
		h.hasSelf = true
	}
	if capacity > 0 {
		// NewLRU only fails for a non-positive size.
		h.entries, _ = simplelru.NewLRU[address.Key, address.Address](capacity, nil)
	}
	return h
}

// Capacity returns the configured bound.
func (h *HostPool) Capacity() int {
	return h.capacity
}

// Store inserts addr and reports whether it was kept. Invalid, self and
// duplicate addresses are dropped. A full pool evicts one entry first.
func (h *HostPool) Store(addr address.Address) bool {
	if h.entries == nil || !addr.IsValid() {
		return false
	}
	key := addr.Key()
	if h.hasSelf && key == h.self {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.entries.Contains(key) {
		return false
	}
	if h.policy == EvictRandom && h.entries.Len() >= h.capacity {
		keys := h.entries.Keys()
		h.entries.Remove(keys[rand.IntN(len(keys))])
	}
	// With EvictOldest the LRU drops its oldest entry itself.
	h.entries.Add(key, addr)
	return true
}

// StoreAll stores each address and returns how many were kept.
func (h *HostPool) StoreAll(addrs []address.Address) int {
	stored := 0
	for _, a := range addrs {
		if h.Store(a) {
			stored++
		}
	}
	return stored
}

// Remove forgets key.
func (h *HostPool) Remove(key address.Key) {
	if h.entries == nil {
		return
	}
	h.mu.Lock()
	h.entries.Remove(key)
	h.mu.Unlock()
}

// Count returns the number of stored addresses.
func (h *HostPool) Count() int {
	if h.entries == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Len()
}

// Addresses returns every stored address, oldest first.
func (h *HostPool) Addresses() []address.Address {
	if h.entries == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entries.Values()
}

// Sample returns up to n distinct addresses chosen uniformly at random.
func (h *HostPool) Sample(n int) []address.Address {
	all := h.Addresses()
	if n <= 0 || len(all) == 0 {
		return nil
	}
	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// Draw returns a random address for which exclude reports false.
func (h *HostPool) Draw(exclude func(address.Key) bool) (address.Address, bool) {
	all := h.Addresses()
	for _, i := range rand.Perm(len(all)) {
		if exclude == nil || !exclude(all[i].Key()) {
			return all[i], true
		}
	}
	return address.Address{}, false
}

// Load fills the pool from store. The pool keeps whatever it already holds.
func (h *HostPool) Load(store AddressStore) error {
	if store == nil {
		return nil
	}
	addrs, err := store.LoadAddresses()
	if err != nil {
		return err
	}
	stored := h.StoreAll(addrs)

	logrus.WithFields(logrus.Fields{
		"function": "HostPool.Load",
		"read":     len(addrs),
		"stored":   stored,
	}).Info("Loaded host pool")
	return nil
}

// Save writes the pool to store, oldest first so a later Load keeps the
// same eviction order.
func (h *HostPool) Save(store AddressStore) error {
	if store == nil {
		return nil
	}
	addrs := h.Addresses()
	if err := store.SaveAddresses(addrs); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "HostPool.Save",
		"count":    len(addrs),
	}).Info("Saved host pool")
	return nil
}
