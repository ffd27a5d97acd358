package isotp

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rnd-ash/ecu-diagnostics/canbus"
	"github.com/rnd-ash/ecu-diagnostics/channel"
	"github.com/rnd-ash/ecu-diagnostics/drivers"
)

const (
	testSendID = 0x07E0
	testRecvID = 0x07E8
)

// fakeDriver records sent frames and lets tests script the remote side by
// injecting frames through the broadcaster.
type fakeDriver struct {
	mu     sync.Mutex
	sent   []*canbus.Frame
	bc     *drivers.FrameBroadcaster
	onSend func(f *canbus.Frame)
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{bc: drivers.NewFrameBroadcaster()}
}

func (d *fakeDriver) Start(ctx context.Context) error { return nil }

func (d *fakeDriver) SendFrame(ctx context.Context, frame *canbus.Frame) error {
	d.mu.Lock()
	d.sent = append(d.sent, frame)
	hook := d.onSend
	d.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (d *fakeDriver) SubscribeReadFrames() chan *canbus.Frame {
	return d.bc.Subscribe()
}

func (d *fakeDriver) UnsubscribeReadFrames(ch chan *canbus.Frame) {
	d.bc.Unsubscribe(ch)
}

func (d *fakeDriver) Cleanup() error {
	d.bc.Cleanup()
	return nil
}

func (d *fakeDriver) inject(id uint32, data []byte) {
	d.bc.Broadcast(canbus.NewFrame(id, data))
}

func (d *fakeDriver) sentFrames() []*canbus.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*canbus.Frame(nil), d.sent...)
}

func openTestChannel(t *testing.T, cfg channel.Config) (*SoftChannel, *fakeDriver) {
	t.Helper()
	driver := newFakeDriver()
	ch := NewSoftChannel(driver)
	if err := ch.SetIDs(testSendID, testRecvID); err != nil {
		t.Fatalf("SetIDs failed: %v", err)
	}
	if err := ch.Configure(cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch, driver
}

func TestLifecyclePolicy(t *testing.T) {
	ch := NewSoftChannel(newFakeDriver())

	// Close before Open is a no-op success.
	if err := ch.Close(); err != nil {
		t.Errorf("close of unopened channel should succeed: %v", err)
	}
	// Open requires configuration.
	if err := ch.Open(); !errors.Is(err, channel.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got: %v", err)
	}

	if err := ch.Configure(channel.DefaultConfig()); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := ch.Open(); !errors.Is(err, channel.ErrInterfaceAlreadyOpen) {
		t.Errorf("expected ErrInterfaceAlreadyOpen, got: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestConfigureRejectsExtendedAddressing(t *testing.T) {
	ch := NewSoftChannel(newFakeDriver())
	cfg := channel.DefaultConfig()
	cfg.ExtendedAddressing = true
	if err := ch.Configure(cfg); !errors.Is(err, ErrExtendedAddressingUnsupported) {
		t.Errorf("expected ErrExtendedAddressingUnsupported, got: %v", err)
	}
}

func TestWriteSingleFramePadded(t *testing.T) {
	cfg := channel.DefaultConfig()
	ch, driver := openTestChannel(t, cfg)

	payload := channel.Payload{Address: testSendID, Data: []byte{0x10, 0x03}}
	if err := ch.WriteBytes(payload, time.Second); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sent := driver.sentFrames()
	if len(sent) != 1 {
		t.Fatalf("expected one frame, got %d", len(sent))
	}
	frame := sent[0]
	if frame.ID != testSendID {
		t.Errorf("frame sent to 0x%X", frame.ID)
	}
	if frame.DLC != 8 {
		t.Errorf("padded frame should be full length, DLC = %d", frame.DLC)
	}
	want := []byte{0x02, 0x10, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}
	if !bytes.Equal(frame.Data[:], want) {
		t.Errorf("frame data = % X, want % X", frame.Data, want)
	}
}

func TestWriteSingleFrameUnpadded(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.PadFrames = false
	ch, driver := openTestChannel(t, cfg)

	payload := channel.Payload{Address: testSendID, Data: []byte{0x3E, 0x80}}
	if err := ch.WriteBytes(payload, time.Second); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frame := driver.sentFrames()[0]
	if frame.DLC != 3 {
		t.Errorf("unpadded frame DLC = %d, want 3", frame.DLC)
	}
}

func TestWriteSegmented(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.PadFrames = false
	ch, driver := openTestChannel(t, cfg)

	// Remote side: answer the first frame with clear-to-send, no block
	// limit, no separation time.
	driver.onSend = func(f *canbus.Frame) {
		if f.Data[0]>>4 == pciFirstFrame {
			driver.inject(testRecvID, []byte{0x30, 0x00, 0x00})
		}
	}

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	payload := channel.Payload{Address: testSendID, Data: data}
	if err := ch.WriteBytes(payload, time.Second); err != nil {
		t.Fatalf("segmented write failed: %v", err)
	}

	sent := driver.sentFrames()
	if len(sent) != 3 {
		t.Fatalf("expected FF + 2 CF, got %d frames", len(sent))
	}

	ff := sent[0]
	if ff.Data[0] != 0x10 || ff.Data[1] != 20 {
		t.Errorf("bad first frame header: % X", ff.Data[:2])
	}

	// Reassemble what went over the wire and compare.
	var wire []byte
	wire = append(wire, ff.Data[2:ff.DLC]...)
	for i, cf := range sent[1:] {
		if cf.Data[0] != byte(0x21+i) {
			t.Errorf("consecutive frame %d has sequence byte 0x%02X", i, cf.Data[0])
		}
		wire = append(wire, cf.Data[1:cf.DLC]...)
	}
	if !bytes.Equal(wire, data) {
		t.Errorf("wire data does not match payload: % X", wire)
	}
}

func TestWriteSegmentedHonorsBlockSize(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.PadFrames = false
	ch, driver := openTestChannel(t, cfg)

	// Remote side limits blocks to 2 consecutive frames.
	var flowControls int
	var consecutive int
	driver.onSend = func(f *canbus.Frame) {
		switch f.Data[0] >> 4 {
		case pciFirstFrame:
			flowControls++
			driver.inject(testRecvID, []byte{0x30, 0x02, 0x00})
		case pciConsecutiveFrame:
			consecutive++
			if consecutive%2 == 0 {
				flowControls++
				driver.inject(testRecvID, []byte{0x30, 0x02, 0x00})
			}
		}
	}

	// 40 bytes: 6 in the first frame, then 5 consecutive frames.
	data := make([]byte, 40)
	payload := channel.Payload{Address: testSendID, Data: data}
	if err := ch.WriteBytes(payload, time.Second); err != nil {
		t.Fatalf("segmented write failed: %v", err)
	}

	if consecutive != 5 {
		t.Errorf("expected 5 consecutive frames, got %d", consecutive)
	}
	if flowControls < 3 {
		t.Errorf("block size was not honored: only %d flow controls requested", flowControls)
	}
}

func TestWriteSegmentedIgnoresForeignFlowControl(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.PadFrames = false
	ch, driver := openTestChannel(t, cfg)

	// Another node on the bus answers first, trying to abort with overflow.
	// Only flow control from the receive ID may steer the transfer.
	driver.onSend = func(f *canbus.Frame) {
		if f.Data[0]>>4 == pciFirstFrame {
			driver.inject(0x0666, []byte{0x32, 0x00, 0x00})
			driver.inject(testRecvID, []byte{0x30, 0x00, 0x00})
		}
	}

	payload := channel.Payload{Address: testSendID, Data: make([]byte, 20)}
	if err := ch.WriteBytes(payload, time.Second); err != nil {
		t.Fatalf("segmented write failed: %v", err)
	}
	if got := len(driver.sentFrames()); got != 3 {
		t.Errorf("expected FF + 2 CF, got %d frames", got)
	}
}

func TestWriteSegmentedOverflow(t *testing.T) {
	cfg := channel.DefaultConfig()
	ch, driver := openTestChannel(t, cfg)

	driver.onSend = func(f *canbus.Frame) {
		if f.Data[0]>>4 == pciFirstFrame {
			driver.inject(testRecvID, []byte{0x32, 0x00, 0x00})
		}
	}

	payload := channel.Payload{Address: testSendID, Data: make([]byte, 100)}
	if err := ch.WriteBytes(payload, time.Second); !errors.Is(err, ErrReceiverOverflow) {
		t.Errorf("expected ErrReceiverOverflow, got: %v", err)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	ch, _ := openTestChannel(t, channel.DefaultConfig())
	payload := channel.Payload{Address: testSendID, Data: make([]byte, channel.MaxPayloadSize+1)}
	if err := ch.WriteBytes(payload, time.Second); !errors.Is(err, channel.ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got: %v", err)
	}
}

func TestReadSingleFrame(t *testing.T) {
	ch, driver := openTestChannel(t, channel.DefaultConfig())

	driver.inject(testRecvID, []byte{0x03, 0x7E, 0x00, 0xAA, 0xCC, 0xCC, 0xCC, 0xCC})
	payload, err := ch.ReadBytes(time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if payload.Address != testRecvID {
		t.Errorf("payload address = 0x%X", payload.Address)
	}
	if !bytes.Equal(payload.Data, []byte{0x7E, 0x00, 0xAA}) {
		t.Errorf("payload data = % X", payload.Data)
	}
}

func TestReadIgnoresForeignIDs(t *testing.T) {
	ch, driver := openTestChannel(t, channel.DefaultConfig())

	driver.inject(0x0123, []byte{0x02, 0x01, 0x02})
	driver.inject(testRecvID, []byte{0x01, 0x55})

	payload, err := ch.ReadBytes(time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(payload.Data, []byte{0x55}) {
		t.Errorf("wrong payload returned: % X", payload.Data)
	}
}

func TestReadTimeout(t *testing.T) {
	ch, _ := openTestChannel(t, channel.DefaultConfig())
	if _, err := ch.ReadBytes(20 * time.Millisecond); !errors.Is(err, channel.ErrReadTimeout) {
		t.Errorf("expected ErrReadTimeout, got: %v", err)
	}
}

func TestReadSegmented(t *testing.T) {
	cfg := channel.DefaultConfig()
	cfg.BlockSize = 0 // no block limit, one flow control only
	ch, driver := openTestChannel(t, cfg)

	want := make([]byte, 20)
	for i := range want {
		want[i] = byte(0xE0 + i)
	}

	driver.inject(testRecvID, append([]byte{0x10, 20}, want[:6]...))
	driver.inject(testRecvID, append([]byte{0x21}, want[6:13]...))
	driver.inject(testRecvID, append([]byte{0x22}, want[13:20]...))

	payload, err := ch.ReadBytes(time.Second)
	if err != nil {
		t.Fatalf("segmented read failed: %v", err)
	}
	if !bytes.Equal(payload.Data, want) {
		t.Errorf("reassembled % X, want % X", payload.Data, want)
	}

	// We must have answered the first frame with clear-to-send.
	var sawFC bool
	for _, f := range driver.sentFrames() {
		if f.ID == testSendID && f.Data[0]>>4 == pciFlowControl {
			sawFC = true
			if f.Data[0]&0x0F != flowStatusContinue {
				t.Errorf("flow control status = 0x%X", f.Data[0]&0x0F)
			}
			if f.Data[1] != cfg.BlockSize || f.Data[2] != cfg.STMin {
				t.Errorf("flow control advertises BS=%d STmin=0x%02X", f.Data[1], f.Data[2])
			}
		}
	}
	if !sawFC {
		t.Error("no flow control frame was sent")
	}
}

func TestReadSegmentedSequenceMismatch(t *testing.T) {
	ch, driver := openTestChannel(t, channel.DefaultConfig())

	driver.inject(testRecvID, []byte{0x10, 20, 1, 2, 3, 4, 5, 6})
	driver.inject(testRecvID, []byte{0x23, 7, 8, 9, 10, 11, 12, 13}) // expected seq 1, got 3

	if _, err := ch.ReadBytes(time.Second); !errors.Is(err, ErrSequenceMismatch) {
		t.Errorf("expected ErrSequenceMismatch, got: %v", err)
	}
}

func TestReadSegmentedTruncatesOverlongFirstFrame(t *testing.T) {
	ch, driver := openTestChannel(t, channel.DefaultConfig())

	// The first frame announces 4 bytes but carries 6.
	driver.inject(testRecvID, []byte{0x10, 0x04, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6})

	payload, err := ch.ReadBytes(time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(payload.Data, []byte{0xA1, 0xA2, 0xA3, 0xA4}) {
		t.Errorf("payload = % X, want the announced 4 bytes", payload.Data)
	}
}

func TestClearRxBufferDropsQueuedFrames(t *testing.T) {
	ch, driver := openTestChannel(t, channel.DefaultConfig())

	driver.inject(testRecvID, []byte{0x01, 0x11})
	if err := ch.ClearRxBuffer(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := ch.ReadBytes(20 * time.Millisecond); !errors.Is(err, channel.ErrReadTimeout) {
		t.Errorf("stale frame survived the clear: %v", err)
	}
}
