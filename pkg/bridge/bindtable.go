package bridge

import (
	"fmt"
	"sync"

	can "github.com/7ony/CAN-TCP/pkg/can"
	log "github.com/sirupsen/logrus"
)

const DefaultRxCapacity = 10

// Called for every received frame matching a filter
type FrameCallback func(frame can.Frame)

// Receive binding, an id/mask couple associated to
// an optional capture buffer and an optional callback
type bindRx struct {
	id       uint32
	mask     uint32
	buffer   *Buffer
	callback FrameCallback
}

func (b *bindRx) match(frame can.Frame) bool {
	return (frame.ID & b.mask) == (b.id & b.mask)
}

// BindTable is a fixed capacity, append only table of receive filters.
// Every received frame is evaluated against all entries and every
// matching entry fires.
type BindTable struct {
	mu       sync.RWMutex
	capacity int
	entries  []bindRx
}

func NewBindTable(capacity int) *BindTable {
	if capacity <= 0 {
		capacity = DefaultRxCapacity
	}
	return &BindTable{capacity: capacity, entries: make([]bindRx, 0, capacity)}
}

// Add a filter. A frame matches when (frame.ID & mask) == (id & mask)
func (t *BindTable) Add(id uint16, mask uint16, buffer *Buffer, callback FrameCallback) error {
	if uint32(id) > can.CanSffMask || uint32(mask) > can.CanSffMask {
		return fmt.Errorf("%w : id x%x or mask x%x exceeds 11 bits", ErrInvalidArgument, id, mask)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.capacity {
		log.Warnf("[BRIDGE] too many receive binds (%v), increase capacity", t.capacity)
		return ErrCapacity
	}
	t.entries = append(t.entries, bindRx{id: uint32(id), mask: uint32(mask), buffer: buffer, callback: callback})
	log.Debugf("[BRIDGE] added receive bind id x%x mask x%x", id, mask)
	return nil
}

// Dispatch a received frame to all matching entries.
// Returns the number of matches
func (t *BindTable) Dispatch(frame can.Frame) int {
	t.mu.RLock()
	matches := make([]bindRx, 0, len(t.entries))
	for _, entry := range t.entries {
		if entry.match(frame) {
			matches = append(matches, entry)
		}
	}
	t.mu.RUnlock()

	// Callbacks run without holding the table so they can register new binds
	for _, entry := range matches {
		if entry.buffer != nil {
			entry.buffer.Set(frame.Payload())
		}
		if entry.callback != nil {
			entry.callback(frame)
		}
	}
	return len(matches)
}

func (t *BindTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *BindTable) Capacity() int {
	return t.capacity
}

// Remove all entries
func (t *BindTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = t.entries[:0]
}
