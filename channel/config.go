package channel

import (
	"fmt"
	"time"
)

// Separation time encoding boundaries per ISO 15765-2. Values 0x00-0x7F are
// whole milliseconds; 0xF1-0xF9 encode 100-900 microseconds. Everything in
// between is reserved.
const (
	stMinMaxMillis     = 0x7F
	stMinMicrosLow     = 0xF1
	stMinMicrosHigh    = 0xF9
	defaultPaddingByte = 0xCC
)

// Config holds the ISO-TP segmentation parameters for a channel. It is
// supplied once at session setup and is immutable for the session's life.
type Config struct {
	// BlockSize is the number of consecutive frames sent before waiting for
	// the next flow control frame. 0 means no limit.
	BlockSize uint8
	// STMin is the minimum separation time between consecutive frames,
	// in the ISO 15765-2 byte encoding (see SeparationTime).
	STMin uint8
	// ExtendedAddressing enables ISO-TP extended addressing.
	ExtendedAddressing bool
	// PadFrames pads frames shorter than 8 bytes up to the full frame size.
	PadFrames bool
	// CanSpeed is the baud rate of the CAN network in bits per second.
	CanSpeed uint32
	// ExtendedCanID selects 29-bit CAN identifiers instead of 11-bit.
	ExtendedCanID bool
}

// DefaultConfig returns the standard configuration for a 500kbit/s network.
func DefaultConfig() Config {
	return Config{
		BlockSize: 8,
		STMin:     20,
		PadFrames: true,
		CanSpeed:  500_000,
	}
}

// Validate checks the configuration against protocol-legal ranges. It must
// pass before the configuration is handed to any transport.
func (c Config) Validate() error {
	if c.STMin > stMinMaxMillis && (c.STMin < stMinMicrosLow || c.STMin > stMinMicrosHigh) {
		return fmt.Errorf("separation time 0x%02X is in the reserved range", c.STMin)
	}
	if c.CanSpeed == 0 {
		return fmt.Errorf("CAN speed must be non-zero")
	}
	return nil
}

// SeparationTime decodes an STMin byte into a duration. Reserved values
// decode to a safe 10ms fallback.
func SeparationTime(stMin uint8) time.Duration {
	switch {
	case stMin <= stMinMaxMillis:
		return time.Duration(stMin) * time.Millisecond
	case stMin >= stMinMicrosLow && stMin <= stMinMicrosHigh:
		return time.Duration(int(stMin)-0xF0) * 100 * time.Microsecond
	default:
		return 10 * time.Millisecond
	}
}

// PaddingByte returns the filler byte used when PadFrames is set.
func (c Config) PaddingByte() uint8 {
	return defaultPaddingByte
}
