package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/errgroup"

	"github.com/rnd-ash/ecu-diagnostics/canbus"
	"github.com/rnd-ash/ecu-diagnostics/logging"
	"github.com/rnd-ash/ecu-diagnostics/utils"
)

const (
	SLCANBaudRate      = 115200
	SLCANTerminator    = '\r'
	SLCANBell          = 0x07 // adapter error response
	SLCANReadTimeout   = 5 * time.Millisecond
	SLCANPortOpenDelay = 200 * time.Millisecond
)

// Map of CAN bit rates to the SLCAN 'S' setup command index.
var slcanBitRates = map[uint32]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

// SLCANDriver talks to a CAN adapter speaking the Lawicel SLCAN ASCII
// protocol over a serial port (CANable, USBtin and compatibles).
type SLCANDriver struct {
	isRunning        int32 // Use int32 for atomic operations
	portName         string
	bitRate          uint32
	port             serial.Port
	writeChan        chan []byte
	frameBroadcaster *FrameBroadcaster
	group            *errgroup.Group
	cancelFunc       context.CancelFunc
}

// ScanSLCAN scans serial ports for SLCAN adapters and appends a driver
// candidate for each one found.
func ScanSLCAN(ports []*enumerator.PortDetails, found []Driver) []Driver {
	for _, port := range ports {
		if port.IsUSB {
			// VID 16D0 for CANable, 04D8 for USBtin, 0483 for STM32 VCP clones
			if port.VID == "16D0" || port.VID == "04D8" || port.VID == "0483" {
				found = append(found, NewSLCANDriver(port.Name, 500_000))
			}
		}
	}
	return found
}

// NewSLCANDriver creates a driver for the adapter on portName. The bit rate
// must be one of the standard SLCAN rates.
func NewSLCANDriver(portName string, bitRate uint32) *SLCANDriver {
	return &SLCANDriver{
		portName: portName,
		bitRate:  bitRate,
	}
}

// String returns a string representation of the SLCANDriver.
func (d *SLCANDriver) String() string {
	return fmt.Sprintf("SLCAN: %s", d.portName)
}

// Start opens the serial port, configures the adapter and begins the
// read/write loops.
func (d *SLCANDriver) Start(ctx context.Context) error {
	l := logging.Get()

	rateCmd, ok := slcanBitRates[d.bitRate]
	if !ok {
		return fmt.Errorf("unsupported CAN bit rate: %d", d.bitRate)
	}

	// Give the port time to settle if the adapter has just been plugged in
	time.Sleep(SLCANPortOpenDelay)

	mode := &serial.Mode{BaudRate: SLCANBaudRate}
	port, err := serial.Open(d.portName, mode)
	if err != nil {
		l.WriteToLog(fmt.Sprintf("Error: opening port: %s", err.Error()), logging.LogTypeLog)
		return err
	}
	if err := port.SetReadTimeout(SLCANReadTimeout); err != nil {
		_ = port.Close()
		return err
	}
	d.port = port

	// Close any stale channel, set the bit rate, then open the channel.
	setup := [][]byte{
		{'C', SLCANTerminator},
		{'S', rateCmd, SLCANTerminator},
		{'O', SLCANTerminator},
	}
	for _, cmd := range setup {
		if _, err := port.Write(cmd); err != nil {
			_ = port.Close()
			return fmt.Errorf("adapter setup failed: %w", err)
		}
	}

	d.writeChan = make(chan []byte, 128)
	d.frameBroadcaster = NewFrameBroadcaster()

	ctx, d.cancelFunc = context.WithCancel(ctx)
	atomic.StoreInt32(&d.isRunning, 1)

	d.group, ctx = errgroup.WithContext(ctx)
	d.group.Go(func() error { return d.readLoop(ctx) })
	d.group.Go(func() error { return d.writeLoop(ctx) })

	l.WriteToLog(fmt.Sprintf("SLCAN adapter running on port %s at %d bit/s", d.portName, d.bitRate), logging.LogTypeLog)
	return nil
}

// Cleanup stops the driver and releases the port.
func (d *SLCANDriver) Cleanup() error {
	if !atomic.CompareAndSwapInt32(&d.isRunning, 1, 0) {
		// If isRunning was not 1, Cleanup has already been called
		return nil
	}

	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	err := d.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	d.frameBroadcaster.Cleanup()

	if d.port != nil {
		// Best effort close of the CAN channel before dropping the port.
		_, _ = d.port.Write([]byte{'C', SLCANTerminator})
		if closeErr := d.port.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	logging.Get().WriteToLog("SLCAN adapter stopped", logging.LogTypeLog)
	return err
}

// SendFrame queues one frame for transmission on the adapter.
func (d *SLCANDriver) SendFrame(ctx context.Context, frame *canbus.Frame) error {
	if atomic.LoadInt32(&d.isRunning) == 0 {
		return ErrDriverNotRunning
	}
	logging.Get().WriteToLog(fmt.Sprintf("Send: %s", frame.String()), logging.LogTypeBusTraffic)

	select {
	case d.writeChan <- encodeSLCANFrame(frame):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeReadFrames allows a subscriber to receive broadcasted CAN frames.
func (d *SLCANDriver) SubscribeReadFrames() chan *canbus.Frame {
	return d.frameBroadcaster.Subscribe()
}

// UnsubscribeReadFrames removes a subscriber from receiving broadcasted CAN frames.
func (d *SLCANDriver) UnsubscribeReadFrames(ch chan *canbus.Frame) {
	d.frameBroadcaster.Unsubscribe(ch)
}

// readLoop assembles terminator-delimited SLCAN lines from the port and
// broadcasts every valid frame.
func (d *SLCANDriver) readLoop(ctx context.Context) error {
	l := logging.Get()

	var line []byte
	byteBuffer := make([]byte, 1)

	for {
		if atomic.LoadInt32(&d.isRunning) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		byteBuffer[0] = 0x00
		n, err := d.port.Read(byteBuffer)
		if err != nil {
			if errors.Is(err, io.EOF) {
				l.WriteToLog("Serial port has been closed", logging.LogTypeLog)
				return nil
			}
			return fmt.Errorf("reading from port: %w", err)
		}
		if n <= 0 {
			continue
		}

		b := byteBuffer[0]
		switch b {
		case SLCANTerminator:
			if len(line) == 0 {
				continue
			}
			frame, err := parseSLCANFrame(string(line))
			line = line[:0]
			if err != nil {
				l.WriteToLog(fmt.Sprintf("Error: %s", err.Error()), logging.LogTypeLog)
				continue
			}
			if frame != nil {
				l.WriteToLog(fmt.Sprintf("Read: %s", frame.String()), logging.LogTypeBusTraffic)
				d.frameBroadcaster.Broadcast(frame)
			}
		case SLCANBell:
			l.WriteToLog("Error: adapter rejected last command", logging.LogTypeLog)
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
}

// writeLoop drains the write channel onto the serial port.
func (d *SLCANDriver) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case encoded, ok := <-d.writeChan:
			if !ok {
				return nil
			}
			if _, err := d.port.Write(encoded); err != nil {
				return fmt.Errorf("writing to port: %w", err)
			}
		}
	}
}

// encodeSLCANFrame renders a frame as an SLCAN transmit command:
// 't' + 3 hex ID digits for standard frames, 'T' + 8 digits for extended,
// followed by the DLC digit, data in hex, and the terminator.
func encodeSLCANFrame(frame *canbus.Frame) []byte {
	var out []byte
	if frame.Extended {
		out = append(out, 'T')
		out = append(out, fmt.Sprintf("%08X", frame.ID&0x1FFFFFFF)...)
	} else {
		out = append(out, 't')
		out = append(out, fmt.Sprintf("%03X", frame.ID&0x7FF)...)
	}
	out = append(out, '0'+frame.DLC)
	out = append(out, utils.BytesToHexString(frame.Data[:frame.DLC])...)
	out = append(out, SLCANTerminator)
	return out
}

// parseSLCANFrame decodes a received SLCAN line. Lines that are not data
// frames (status replies, version strings) decode to nil without error.
func parseSLCANFrame(line string) (*canbus.Frame, error) {
	if line == "" {
		return nil, nil
	}
	var idDigits int
	var extended bool
	switch line[0] {
	case 't':
		idDigits = 3
	case 'T':
		idDigits = 8
		extended = true
	case 'r', 'R', 'z', 'Z', 'F', 'V', 'v', 'N':
		// Remote frames and adapter status traffic are not diagnostic data.
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized SLCAN line: %q", line)
	}

	if len(line) < 1+idDigits+1 {
		return nil, fmt.Errorf("truncated SLCAN frame: %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idDigits], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid SLCAN frame ID: %q", line)
	}
	dlc := int(line[1+idDigits] - '0')
	if dlc < 0 || dlc > 8 {
		return nil, fmt.Errorf("invalid DLC in SLCAN frame: %q", line)
	}
	dataHex := line[1+idDigits+1:]
	if len(dataHex) != dlc*2 {
		return nil, fmt.Errorf("SLCAN frame data length mismatch: %q", line)
	}
	data, err := utils.HexStringToBytes(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid SLCAN frame data: %q", line)
	}

	frame := canbus.NewFrame(uint32(id), data)
	frame.Extended = extended
	return frame, nil
}
