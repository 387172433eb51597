// Package limits provides centralized protocol bounds for the Bitcoin peer network.
package limits

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

const (
	// MinProtocolVersion is the lowest protocol version this node can speak.
	// 31402 is the first version with timestamped addr entries.
	MinProtocolVersion uint32 = wire.NetAddressTimeVersion

	// MaxProtocolVersion is the highest protocol version the wire codec encodes.
	MaxProtocolVersion uint32 = wire.ProtocolVersion

	// MaxAddrPerMessage is the codec limit on entries in one addr message.
	MaxAddrPerMessage = wire.MaxAddrPerMsg

	// MaxGetAddrReply bounds the sample returned for a single getaddr.
	MaxGetAddrReply = 1000
)

var (
	// ErrVersionRange indicates configured version bounds outside the
	// supported range or inverted.
	ErrVersionRange = errors.New("protocol version range invalid")

	// ErrTooManyAddresses indicates an address list above MaxAddrPerMessage.
	ErrTooManyAddresses = errors.New("too many addresses")
)

// ValidateVersionRange checks minimum >= MinProtocolVersion,
// maximum <= MaxProtocolVersion and minimum <= maximum.
func ValidateVersionRange(minimum, maximum uint32) error {
	if minimum < MinProtocolVersion {
		return fmt.Errorf("%w: minimum %d below floor %d", ErrVersionRange, minimum, MinProtocolVersion)
	}
	if maximum > MaxProtocolVersion {
		return fmt.Errorf("%w: maximum %d above ceiling %d", ErrVersionRange, maximum, MaxProtocolVersion)
	}
	if minimum > maximum {
		return fmt.Errorf("%w: minimum %d above maximum %d", ErrVersionRange, minimum, maximum)
	}
	return nil
}

// ValidateAddressCount rejects address lists too large for one message.
func ValidateAddressCount(n int) error {
	if n > MaxAddrPerMessage {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrTooManyAddresses, n, MaxAddrPerMessage)
	}
	return nil
}

// ClampAddressCount returns n bounded to [0, MaxGetAddrReply].
func ClampAddressCount(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxGetAddrReply {
		return MaxGetAddrReply
	}
	return n
}
