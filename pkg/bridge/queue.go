package bridge

import (
	"fmt"
	"sync"

	can "github.com/7ony/CAN-TCP/pkg/can"
)

const DefaultQueueSize = 64

// SendQueue is a bounded, non blocking handoff of frames between
// producers (periodic scheduler, application) and the bus writer.
type SendQueue struct {
	mu     sync.RWMutex
	frames chan can.Frame
	closed bool
}

func NewSendQueue(size int) (*SendQueue, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w : invalid size %v", ErrQueue, size)
	}
	return &SendQueue{frames: make(chan can.Frame, size)}, nil
}

// TryPush enqueues a frame without ever blocking.
// It returns false if the queue is full or closed
func (q *SendQueue) TryPush(frame can.Frame) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.frames <- frame:
		return true
	default:
		return false
	}
}

// Channel to consume queued frames from
func (q *SendQueue) C() <-chan can.Frame {
	return q.frames
}

// Number of frames waiting to be sent
func (q *SendQueue) Len() int {
	return len(q.frames)
}

// Close the queue, pending frames are discarded
// Returns the number of discarded frames
func (q *SendQueue) Close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	discarded := 0
	for {
		select {
		case <-q.frames:
			discarded++
		default:
			return discarded
		}
	}
}
