package canbus

import "fmt"

// Frame represents a single CAN bus data frame.
type Frame struct {
	ID       uint32  // CAN identifier (11-bit standard or 29-bit extended)
	DLC      uint8   // Data Length Code (0-8)
	Data     [8]byte // Data payload
	Extended bool    // True if the frame carries a 29-bit identifier
}

// NewFrame creates a new CAN Frame from id and up to 8 data bytes.
func NewFrame(id uint32, data []byte) *Frame {
	f := &Frame{ID: id, DLC: uint8(len(data))}
	if f.DLC > 8 {
		f.DLC = 8
	}
	copy(f.Data[:], data[:f.DLC])
	return f
}

// String provides a human-readable representation of the CAN Frame.
func (f *Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("ID: 0x%08X, DLC: %d, Data: % X", f.ID, f.DLC, f.Data[:f.DLC])
	}
	return fmt.Sprintf("ID: 0x%03X, DLC: %d, Data: % X", f.ID, f.DLC, f.Data[:f.DLC])
}
