package drivers

import (
	"sync"

	"github.com/rnd-ash/ecu-diagnostics/canbus"
	"github.com/rnd-ash/ecu-diagnostics/logging"
)

// FrameBroadcaster fans inbound CAN frames out to any number of consumers.
type FrameBroadcaster struct {
	subscribers map[chan *canbus.Frame]struct{}
	lock        sync.RWMutex
}

// NewFrameBroadcaster creates a new FrameBroadcaster.
func NewFrameBroadcaster() *FrameBroadcaster {
	return &FrameBroadcaster{
		subscribers: make(map[chan *canbus.Frame]struct{}),
	}
}

// Subscribe adds a new subscriber and returns a channel to receive frames.
func (b *FrameBroadcaster) Subscribe() chan *canbus.Frame {
	ch := make(chan *canbus.Frame, 128)
	b.lock.Lock()
	b.subscribers[ch] = struct{}{}
	b.lock.Unlock()
	return ch
}

// Unsubscribe removes a subscriber.
func (b *FrameBroadcaster) Unsubscribe(ch chan *canbus.Frame) {
	b.lock.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.lock.Unlock()
}

// Broadcast sends a frame to all subscribers. A subscriber that cannot keep
// up loses frames rather than stalling the read loop.
func (b *FrameBroadcaster) Broadcast(frame *canbus.Frame) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
			logging.Get().WriteToLog("Error: slow subscriber, frame channel is full. dropping frame.", logging.LogTypeLog)
		}
	}
}

// Cleanup closes and removes every subscription.
func (b *FrameBroadcaster) Cleanup() {
	b.lock.Lock()
	for ch := range b.subscribers {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.lock.Unlock()
}
