package drivers

import (
	"context"
	"errors"

	"go.bug.st/serial/enumerator"

	"github.com/rnd-ash/ecu-diagnostics/canbus"
)

// ErrDriverNotRunning is returned when a frame is sent through a driver
// that has not been started or has already been cleaned up.
var ErrDriverNotRunning = errors.New("driver is not running")

// Driver is a raw CAN adapter. It moves single frames on and off the wire;
// segmentation and session logic live above it.
type Driver interface {
	// Start opens the adapter and begins the read/write loops. The driver
	// stops when ctx is cancelled or Cleanup is called.
	Start(ctx context.Context) error
	// SendFrame queues one frame for transmission.
	SendFrame(ctx context.Context, frame *canbus.Frame) error
	// SubscribeReadFrames returns a channel receiving every inbound frame.
	SubscribeReadFrames() chan *canbus.Frame
	// UnsubscribeReadFrames releases a subscription channel.
	UnsubscribeReadFrames(ch chan *canbus.Frame)
	// Cleanup stops the loops and releases the adapter. Safe to call twice.
	Cleanup() error
}

// ScanDrivers enumerates serial ports and returns a driver candidate for
// every recognized CAN adapter.
func ScanDrivers() ([]Driver, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var found []Driver
	found = ScanSLCAN(ports, found)
	return found, nil
}
