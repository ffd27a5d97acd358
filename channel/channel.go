// Package channel defines the communication channel contracts between the
// diagnostic server and whatever transport the embedding application
// provides (hardware adapter, software ISO-TP stack, or a test fake).
package channel

import (
	"fmt"
	"time"
)

// MaxPayloadSize is the largest number of data bytes a single payload may
// carry across the channel boundary.
const MaxPayloadSize = 4095

// Payload is an addressed byte buffer exchanged over a channel.
type Payload struct {
	Address uint32 // Target address for writes, source address for reads
	Data    []byte
}

// NewPayload builds a payload, enforcing the channel's fixed buffer bound.
func NewPayload(addr uint32, data []byte) (Payload, error) {
	if len(data) > MaxPayloadSize {
		return Payload{}, fmt.Errorf("payload of %d bytes exceeds maximum of %d: %w", len(data), MaxPayloadSize, ErrPayloadTooLarge)
	}
	return Payload{Address: addr, Data: data}, nil
}

// Channel is the base capability set for talking to an ECU. Implementations
// own the wire framing; the diagnostic server owns the session protocol.
//
// Lifecycle policy: Open while already open is an error
// (ErrInterfaceAlreadyOpen). Close on a channel that was never opened is a
// no-op success.
type Channel interface {
	// Open prepares the underlying transport. It is only called after
	// SetIDs and any other configuration.
	Open() error

	// Close releases the transport.
	Close() error

	// SetIDs rebinds the logical addresses used by subsequent calls.
	// send is the ID the ECU listens on, recv the ID it answers with.
	SetIDs(send, recv uint32) error

	// WriteBytes transmits the full payload to payload.Address, completing
	// or failing within timeout. Partial writes are not a defined outcome.
	WriteBytes(payload Payload, timeout time.Duration) error

	// ReadBytes blocks up to timeout for one inbound payload. On timeout it
	// returns ErrReadTimeout, never a zero-length success.
	ReadBytes(timeout time.Duration) (Payload, error)

	// ClearTxBuffer discards buffered-but-unsent data.
	ClearTxBuffer() error

	// ClearRxBuffer discards buffered-but-unread data.
	ClearRxBuffer() error
}

// IsoTPChannel is a Channel whose transport segments and reassembles
// messages per ISO 15765-2. Configure must be called once before the first
// Open, and again whenever the configuration changes.
type IsoTPChannel interface {
	Channel

	// Configure validates and applies the ISO-TP segmentation parameters.
	Configure(cfg Config) error
}
