// Package loopback provides an in-memory CAN bus.
//
// Every bus created with the same channel name is attached to the same
// simulated medium : a frame sent by one bus is delivered to every other
// connected bus of that channel. It is used for testing and for running
// the gateway without CAN hardware.
package loopback

import (
	"errors"
	"sync"

	can "github.com/7ony/CAN-TCP/pkg/can"
)

var ErrNotConnected = errors.New("loopback bus not connected")

func init() {
	can.RegisterInterface("loopback", NewLoopbackBus)
}

type medium struct {
	mu    sync.RWMutex
	buses map[*Bus]struct{}
}

var (
	mediumsMu sync.Mutex
	mediums   = map[string]*medium{}
)

func getMedium(channel string) *medium {
	mediumsMu.Lock()
	defer mediumsMu.Unlock()
	m, ok := mediums[channel]
	if !ok {
		m = &medium{buses: map[*Bus]struct{}{}}
		mediums[channel] = m
	}
	return m
}

type Bus struct {
	mu         sync.Mutex
	channel    string
	medium     *medium
	handler    can.FrameListener
	receiveOwn bool
	connected  bool
}

func NewLoopbackBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel, medium: getMedium(channel)}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.medium.mu.Lock()
	defer b.medium.mu.Unlock()
	b.medium.buses[b] = struct{}{}
	return nil
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.medium.mu.Lock()
	delete(b.medium.buses, b)
	b.medium.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// "Send" implementation of Bus interface
// Delivery is synchronous, listeners are called from the sending goroutine
func (b *Bus) Send(frame can.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	connected, receiveOwn := b.connected, b.receiveOwn
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	b.medium.mu.RLock()
	peers := make([]*Bus, 0, len(b.medium.buses))
	for peer := range b.medium.buses {
		if peer != b || receiveOwn {
			peers = append(peers, peer)
		}
	}
	b.medium.mu.RUnlock()
	for _, peer := range peers {
		peer.deliver(frame)
	}
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler.Handle(frame)
	}
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(handler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

func (b *Bus) SetReceiveOwn(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = enabled
	return nil
}
