// Package isotp provides a software ISO 15765-2 transport: it segments and
// reassembles diagnostic payloads into raw CAN frames moved by a
// drivers.Driver, for adapters that have no ISO-TP support of their own.
package isotp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rnd-ash/ecu-diagnostics/canbus"
	"github.com/rnd-ash/ecu-diagnostics/channel"
	"github.com/rnd-ash/ecu-diagnostics/drivers"
)

// ISO 15765-2 PCI frame types, upper nibble of the first data byte.
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3
)

// Flow control flow status values.
const (
	flowStatusContinue = 0x0
	flowStatusWait     = 0x1
	flowStatusOverflow = 0x2
)

const (
	singleFrameMaxLen = 7
	firstFrameDataLen = 6
	// flowControlTimeout bounds the wait for the receiver's flow control
	// frame during a segmented send.
	flowControlTimeout = 1 * time.Second
)

var (
	// ErrFlowControlTimeout is returned when the receiver never sent flow
	// control during a segmented transfer.
	ErrFlowControlTimeout = errors.New("timed out waiting for flow control")
	// ErrReceiverOverflow is returned when the receiver rejected a
	// segmented transfer as too large.
	ErrReceiverOverflow = errors.New("receiver reported buffer overflow")
	// ErrSequenceMismatch is returned when a consecutive frame arrives out
	// of order during reassembly.
	ErrSequenceMismatch = errors.New("consecutive frame out of sequence")
	// ErrExtendedAddressingUnsupported is returned by Configure when
	// extended addressing is requested. This transport only does normal
	// addressing.
	ErrExtendedAddressingUnsupported = errors.New("extended addressing is not supported by the software transport")
)

// SoftChannel implements channel.IsoTPChannel on top of a raw CAN driver.
// It is not safe for unserialized concurrent use; the diagnostic server
// provides the serialization.
type SoftChannel struct {
	driver drivers.Driver

	mu         sync.Mutex
	cfg        channel.Config
	configured bool
	opened     bool
	sendID     uint32
	recvID     uint32
	rx         chan *canbus.Frame
}

// NewSoftChannel wraps a started driver in an ISO-TP transport.
func NewSoftChannel(driver drivers.Driver) *SoftChannel {
	return &SoftChannel{driver: driver}
}

// SetIDs binds the transmit and receive CAN identifiers.
func (c *SoftChannel) SetIDs(send, recv uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendID = send
	c.recvID = recv
	return nil
}

// Configure validates and applies the segmentation parameters.
func (c *SoftChannel) Configure(cfg channel.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ExtendedAddressing {
		return ErrExtendedAddressingUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.configured = true
	return nil
}

// Open subscribes to the driver's inbound frames. The subscription stays
// live until Close so no response can slip past between requests.
func (c *SoftChannel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return channel.ErrInterfaceAlreadyOpen
	}
	if !c.configured {
		return channel.ErrNotConfigured
	}
	c.rx = c.driver.SubscribeReadFrames()
	c.opened = true
	return nil
}

// Close releases the frame subscription. Closing an unopened channel is a
// no-op.
func (c *SoftChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	c.driver.UnsubscribeReadFrames(c.rx)
	c.rx = nil
	c.opened = false
	return nil
}

// ClearTxBuffer is a no-op: frames go straight to the driver.
func (c *SoftChannel) ClearTxBuffer() error {
	return nil
}

// ClearRxBuffer discards any frames already queued on the subscription.
func (c *SoftChannel) ClearRxBuffer() error {
	c.mu.Lock()
	rx := c.rx
	c.mu.Unlock()
	if rx == nil {
		return channel.ErrInterfaceNotOpen
	}
	for {
		select {
		case <-rx:
		default:
			return nil
		}
	}
}

// WriteBytes segments the payload per ISO 15765-2 and sends it to
// payload.Address. Payloads up to 7 bytes go as a single frame; larger ones
// use first frame/consecutive frame with the receiver pacing via flow
// control.
func (c *SoftChannel) WriteBytes(payload channel.Payload, timeout time.Duration) error {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return channel.ErrInterfaceNotOpen
	}
	cfg := c.cfg
	recvID := c.recvID
	c.mu.Unlock()

	if len(payload.Data) > channel.MaxPayloadSize {
		return channel.ErrPayloadTooLarge
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if len(payload.Data) <= singleFrameMaxLen {
		return c.sendSingleFrame(ctx, payload, cfg)
	}
	return c.sendSegmented(ctx, payload, cfg, recvID)
}

func (c *SoftChannel) sendSingleFrame(ctx context.Context, payload channel.Payload, cfg channel.Config) error {
	data := make([]byte, 0, 8)
	data = append(data, byte(len(payload.Data)))
	data = append(data, payload.Data...)
	return c.sendRaw(ctx, payload.Address, data, cfg)
}

func (c *SoftChannel) sendSegmented(ctx context.Context, payload channel.Payload, cfg channel.Config, recvID uint32) error {
	total := len(payload.Data)

	first := make([]byte, 0, 8)
	first = append(first, byte(pciFirstFrame<<4)|byte(total>>8), byte(total))
	first = append(first, payload.Data[:firstFrameDataLen]...)
	if err := c.sendRaw(ctx, payload.Address, first, cfg); err != nil {
		return err
	}

	blockSize, sepTime, err := c.awaitFlowControl(ctx, recvID)
	if err != nil {
		return err
	}

	seq := byte(1)
	sent := firstFrameDataLen
	inBlock := 0
	for sent < total {
		if blockSize > 0 && inBlock == int(blockSize) {
			blockSize, sepTime, err = c.awaitFlowControl(ctx, recvID)
			if err != nil {
				return err
			}
			inBlock = 0
		}

		end := sent + 7
		if end > total {
			end = total
		}
		data := make([]byte, 0, 8)
		data = append(data, byte(pciConsecutiveFrame<<4)|seq)
		data = append(data, payload.Data[sent:end]...)
		if err := c.sendRaw(ctx, payload.Address, data, cfg); err != nil {
			return err
		}

		sent = end
		seq = (seq + 1) & 0x0F
		inBlock++

		if sent < total && sepTime > 0 {
			select {
			case <-time.After(sepTime):
			case <-ctx.Done():
				return channel.ErrWriteTimeout
			}
		}
	}
	return nil
}

// awaitFlowControl blocks for the receiver's flow control frame and decodes
// its block size and separation time. Only frames from recvID count; another
// node's flow control must not pace or abort this transfer. Wait frames
// restart the clock.
func (c *SoftChannel) awaitFlowControl(ctx context.Context, recvID uint32) (uint8, time.Duration, error) {
	deadline := time.NewTimer(flowControlTimeout)
	defer deadline.Stop()

	for {
		frame, err := c.nextFrame(ctx, deadline.C)
		if err != nil {
			// This wait happens mid-send, so a context expiry is a
			// write timeout from the caller's point of view.
			if errors.Is(err, channel.ErrReadTimeout) {
				err = channel.ErrWriteTimeout
			}
			return 0, 0, err
		}
		if frame.ID != recvID || frame.DLC < 3 || frame.Data[0]>>4 != pciFlowControl {
			continue
		}
		switch frame.Data[0] & 0x0F {
		case flowStatusContinue:
			return frame.Data[1], channel.SeparationTime(frame.Data[2]), nil
		case flowStatusWait:
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(flowControlTimeout)
		case flowStatusOverflow:
			return 0, 0, ErrReceiverOverflow
		default:
			return 0, 0, fmt.Errorf("invalid flow status 0x%X", frame.Data[0]&0x0F)
		}
	}
}

// ReadBytes reassembles one inbound ISO-TP message from the receive ID,
// answering first frames with flow control per the configured block size
// and separation time.
func (c *SoftChannel) ReadBytes(timeout time.Duration) (channel.Payload, error) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return channel.Payload{}, channel.ErrInterfaceNotOpen
	}
	cfg := c.cfg
	recvID := c.recvID
	sendID := c.sendID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		frame, err := c.nextFrame(ctx, nil)
		if err != nil {
			return channel.Payload{}, err
		}
		if frame.ID != recvID || frame.DLC == 0 {
			continue
		}

		switch frame.Data[0] >> 4 {
		case pciSingleFrame:
			length := int(frame.Data[0] & 0x0F)
			if length == 0 || length > singleFrameMaxLen || int(frame.DLC) < 1+length {
				continue
			}
			data := make([]byte, length)
			copy(data, frame.Data[1:1+length])
			return channel.Payload{Address: recvID, Data: data}, nil

		case pciFirstFrame:
			if frame.DLC < 3 {
				continue
			}
			return c.receiveSegmented(ctx, frame, recvID, sendID, cfg)

		default:
			// Stray consecutive or flow control frames have no message
			// in progress to belong to.
			continue
		}
	}
}

func (c *SoftChannel) receiveSegmented(ctx context.Context, first *canbus.Frame, recvID, sendID uint32, cfg channel.Config) (channel.Payload, error) {
	total := (int(first.Data[0]&0x0F) << 8) | int(first.Data[1])
	if total > channel.MaxPayloadSize {
		_ = c.sendFlowControl(ctx, sendID, flowStatusOverflow, cfg)
		return channel.Payload{}, channel.ErrPayloadTooLarge
	}

	data := make([]byte, 0, total)
	chunk := int(first.DLC) - 2
	if chunk > total {
		// Malformed first frame carrying more bytes than it announced.
		chunk = total
	}
	data = append(data, first.Data[2:2+chunk]...)

	if err := c.sendFlowControl(ctx, sendID, flowStatusContinue, cfg); err != nil {
		return channel.Payload{}, err
	}

	expectSeq := byte(1)
	inBlock := 0
	for len(data) < total {
		frame, err := c.nextFrame(ctx, nil)
		if err != nil {
			return channel.Payload{}, err
		}
		if frame.ID != recvID || frame.DLC == 0 || frame.Data[0]>>4 != pciConsecutiveFrame {
			continue
		}
		if frame.Data[0]&0x0F != expectSeq {
			return channel.Payload{}, ErrSequenceMismatch
		}

		remaining := total - len(data)
		chunk := int(frame.DLC) - 1
		if chunk > remaining {
			chunk = remaining
		}
		data = append(data, frame.Data[1:1+chunk]...)
		expectSeq = (expectSeq + 1) & 0x0F
		inBlock++

		if cfg.BlockSize > 0 && inBlock == int(cfg.BlockSize) && len(data) < total {
			if err := c.sendFlowControl(ctx, sendID, flowStatusContinue, cfg); err != nil {
				return channel.Payload{}, err
			}
			inBlock = 0
		}
	}
	return channel.Payload{Address: recvID, Data: data}, nil
}

func (c *SoftChannel) sendFlowControl(ctx context.Context, addr uint32, status byte, cfg channel.Config) error {
	data := []byte{byte(pciFlowControl<<4) | status, cfg.BlockSize, cfg.STMin}
	return c.sendRaw(ctx, addr, data, cfg)
}

func (c *SoftChannel) sendRaw(ctx context.Context, addr uint32, data []byte, cfg channel.Config) error {
	if cfg.PadFrames {
		for len(data) < 8 {
			data = append(data, cfg.PaddingByte())
		}
	}
	frame := canbus.NewFrame(addr, data)
	frame.Extended = cfg.ExtendedCanID
	if err := c.driver.SendFrame(ctx, frame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return channel.ErrWriteTimeout
		}
		return err
	}
	return nil
}

// nextFrame waits for one frame from the subscription. A nil extra timer
// means only the context bounds the wait.
func (c *SoftChannel) nextFrame(ctx context.Context, extra <-chan time.Time) (*canbus.Frame, error) {
	c.mu.Lock()
	rx := c.rx
	c.mu.Unlock()
	if rx == nil {
		return nil, channel.ErrInterfaceNotOpen
	}

	select {
	case frame, ok := <-rx:
		if !ok {
			return nil, channel.ErrInterfaceNotOpen
		}
		return frame, nil
	case <-extra:
		return nil, ErrFlowControlTimeout
	case <-ctx.Done():
		return nil, channel.ErrReadTimeout
	}
}
