// Package limits provides centralized protocol bounds for the Bitcoin peer
// network. Keeping them in one place ensures the handshake, the address
// protocols and the host pool all enforce the same numbers.
//
// # Protocol Version Range
//
// The supported protocol range runs from MinProtocolVersion (31402, the
// first version carrying timestamps in addr messages) to MaxProtocolVersion
// (the highest version the wire codec can encode). A node's configured
// minimum and maximum must fall inside this range:
//
//	if err := limits.ValidateVersionRange(min, max); err != nil {
//	    // local misconfiguration
//	}
//
// # Address Counts
//
//   - MaxAddrPerMessage (1000): the most addresses a single addr message may
//     carry, as enforced by the codec.
//
//   - MaxGetAddrReply (1000): the most addresses returned for one getaddr
//     request, regardless of the host pool size.
//
// ClampAddressCount and ValidateAddressCount apply these bounds:
//
//	n := limits.ClampAddressCount(pool.Count())
//	if err := limits.ValidateAddressCount(len(msg.AddrList)); err != nil {
//	    return err
//	}
package limits
