// Package address defines the peer address value shared by every layer of
// the network: the dial target for outbound sessions, the identity key of
// the connection and pending registries, the element of the host pool and
// the payload of addr messages.
//
// An Address stores its IP in 16-byte form, with IPv4 addresses kept as
// IPv4-mapped IPv6, so two addresses compare equal exactly when they refer
// to the same endpoint regardless of how they were parsed:
//
//	a, _ := address.Parse("1.2.3.4:8333")
//	b := address.FromNetAddress(wire.NewNetAddressIPPort(net.ParseIP("::ffff:1.2.3.4"), 8333, 0))
//	a.Key() == b.Key() // true
package address
