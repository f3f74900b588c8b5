package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/7ony/CAN-TCP/internal/metrics"
	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTxCapacity  = 10
	DefaultTickPeriod  = 10 * time.Millisecond
	DefaultEarlyMargin = 3 * time.Millisecond
)

// Transmit binding, sent every period with the content of buffer
type bindTx struct {
	id       uint32
	buffer   *Buffer
	period   time.Duration
	lastFire time.Time
}

// Scheduler holds the periodic transmit bindings.
// It is evaluated on every tick and never writes to the bus itself,
// due frames are pushed on a [SendQueue] without blocking.
type Scheduler struct {
	mu       sync.Mutex
	clock    clock.Clock
	capacity int
	margin   time.Duration
	entries  []*bindTx
}

// Create a scheduler. A frame is considered due margin before its
// deadline, to compensate for the tick granularity
func NewScheduler(capacity int, margin time.Duration, clk clock.Clock) *Scheduler {
	if capacity <= 0 {
		capacity = DefaultTxCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{capacity: capacity, margin: margin, clock: clk, entries: make([]*bindTx, 0, capacity)}
}

// Add a periodic binding. First transmission happens one period after registration.
// Only the first 8 bytes of buffer are sent, a nil buffer sends empty frames
func (s *Scheduler) Add(id uint16, buffer *Buffer, period time.Duration) error {
	if uint32(id) > can.CanSffMask {
		return fmt.Errorf("%w : id x%x exceeds 11 bits", ErrInvalidArgument, id)
	}
	if period <= 0 {
		return fmt.Errorf("%w : period must be > 0", ErrInvalidArgument)
	}
	if buffer != nil && buffer.Len() > can.MaxDLC {
		log.Debugf("[BRIDGE] periodic bind x%x buffer is %v bytes, only %v will be sent", id, buffer.Len(), can.MaxDLC)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.capacity {
		log.Warnf("[BRIDGE] too many transmit binds (%v), increase capacity", s.capacity)
		return ErrCapacity
	}
	s.entries = append(s.entries, &bindTx{id: uint32(id), buffer: buffer, period: period, lastFire: s.clock.Now()})
	log.Debugf("[BRIDGE] added periodic bind id x%x every %v", id, period)
	return nil
}

// Tick evaluates every binding and enqueues the due ones.
// Returns the number of frames enqueued
func (s *Scheduler) Tick(queue *SendQueue) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	enqueued := 0
	for _, entry := range s.entries {
		if now.Sub(entry.lastFire) < entry.period-s.margin {
			continue
		}
		frame := can.Frame{ID: entry.id}
		if entry.buffer != nil {
			frame.DLC = uint8(entry.buffer.read(frame.Data[:]))
		}
		if queue.TryPush(frame) {
			enqueued++
			metrics.PeriodicFramesTotal.Inc()
		} else {
			metrics.Dropped(metrics.DropQueueFull)
			log.Warnf("[BRIDGE] send queue full, periodic frame x%x dropped", entry.id)
		}
		entry.lastFire = now
	}
	return enqueued
}

// Run ticks every period until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context, period time.Duration, queue *SendQueue) {
	ticker := s.clock.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(queue)
		}
	}
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Capacity() int {
	return s.capacity
}

// Remove all entries
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}
