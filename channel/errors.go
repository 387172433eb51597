package channel

import (
	"errors"
	"fmt"
)

// Stop reasons. Protocols wrap ErrTimeout for their own deadlines so callers
// can classify every expiry the same way.
var (
	// ErrStopped is the reason for a stop requested without one.
	ErrStopped = errors.New("channel stopped")

	// ErrTimeout indicates the channel expired waiting on its peer.
	ErrTimeout = errors.New("channel timed out")

	// ErrMalformed indicates the peer sent bytes the codec could not decode.
	ErrMalformed = errors.New("malformed message")

	// ErrServiceStopped indicates the whole network is shutting down.
	ErrServiceStopped = errors.New("service stopped")

	// ErrVersionAlreadySet is returned by a second SetNegotiatedVersion.
	ErrVersionAlreadySet = errors.New("negotiated version already set")
)

// Error describes a transport failure on a channel.
type Error struct {
	Op   string // "read" or "write"
	Addr string // peer endpoint
	Err  error  // underlying error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("channel %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, addr string, err error) *Error {
	return &Error{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}
