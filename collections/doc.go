// Package collections holds the shared state of a node: the registry of
// handshaken connections, the registry of in-flight connection attempts and
// the bounded pool of known peer addresses.
//
// Every type is safe for concurrent use. Mutations are serialized while
// reads (counts, broadcast snapshots, random draws) share a read lock.
//
// Registry conflicts are ordinary outcomes, reported as ErrAlreadyConnected
// and ErrAlreadyPending so callers can abandon an attempt and move on. The
// host pool never fails a store: invalid, self and duplicate addresses are
// dropped and the call reports false.
package collections
