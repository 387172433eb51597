package channel

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Codec turns a byte stream into typed messages and back.
type Codec interface {
	ReadMessage(r io.Reader, pver uint32) (wire.Message, error)
	WriteMessage(w io.Writer, msg wire.Message, pver uint32) error
}

// WireCodec frames messages with the btcd wire encoding for one network.
type WireCodec struct {
	Net wire.BitcoinNet
}

// ReadMessage reads one framed message.
func (c WireCodec) ReadMessage(r io.Reader, pver uint32) (wire.Message, error) {
	msg, _, err := wire.ReadMessage(r, pver, c.Net)
	return msg, err
}

// WriteMessage writes one framed message.
func (c WireCodec) WriteMessage(w io.Writer, msg wire.Message, pver uint32) error {
	return wire.WriteMessage(w, msg, pver, c.Net)
}
