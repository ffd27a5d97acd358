package channel

import (
	"errors"
	"fmt"
)

// Channel-level error conditions. These describe the transport capability
// itself and are independent of any diagnostic protocol semantics.
var (
	// ErrReadTimeout is returned when no payload arrived within the read timeout.
	ErrReadTimeout = errors.New("timeout reading from channel")
	// ErrWriteTimeout is returned when a payload could not be sent within the write timeout.
	ErrWriteTimeout = errors.New("timeout writing to channel")
	// ErrInterfaceNotOpen is returned when I/O is attempted before Open.
	ErrInterfaceNotOpen = errors.New("channel interface is not open")
	// ErrInterfaceAlreadyOpen is returned when Open is called on an open channel.
	ErrInterfaceAlreadyOpen = errors.New("channel interface is already open")
	// ErrNotConfigured is returned when an ISO-TP channel is opened before Configure.
	ErrNotConfigured = errors.New("channel has not been configured")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum buffer size")
	// ErrCallbackAlreadyExists is returned when a channel capability set is
	// registered while another one is still held.
	ErrCallbackAlreadyExists = errors.New("channel callback already registered")
)

// APIError reports a failure inside the underlying transport API.
type APIError struct {
	Code uint8  // Internal API error code
	Desc string // API error description
}

func (e *APIError) Error() string {
	return fmt.Sprintf("underlying API error (%d): %s", e.Code, e.Desc)
}
