package bridge

import (
	"testing"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 10 * time.Millisecond

func drain(queue *SendQueue) []can.Frame {
	frames := []can.Frame{}
	for {
		select {
		case frame := <-queue.C():
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func TestSchedulerFirstFire(t *testing.T) {
	for _, period := range []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond} {
		mock := clock.NewMock()
		scheduler := NewScheduler(1, DefaultEarlyMargin, mock)
		queue, _ := NewSendQueue(8)
		t0 := mock.Now()
		require.Nil(t, scheduler.Add(0x42, NewBufferFrom([]byte{1, 2, 3}), period))

		for {
			mock.Add(tick)
			if scheduler.Tick(queue) > 0 {
				break
			}
		}
		elapsed := mock.Now().Sub(t0)
		assert.GreaterOrEqual(t, elapsed, period-DefaultEarlyMargin, "period %v", period)
		assert.Less(t, elapsed, period+tick, "period %v", period)

		frames := drain(queue)
		assert.Len(t, frames, 1)
		assert.EqualValues(t, 0x42, frames[0].ID)
		assert.EqualValues(t, 3, frames[0].DLC)
		assert.Equal(t, []byte{1, 2, 3}, frames[0].Payload())
	}
}

func TestSchedulerSpacing(t *testing.T) {
	mock := clock.NewMock()
	scheduler := NewScheduler(2, DefaultEarlyMargin, mock)
	queue, _ := NewSendQueue(64)
	period := 25 * time.Millisecond
	require.Nil(t, scheduler.Add(0x100, nil, period))

	fires := []time.Time{}
	for len(fires) < 10 {
		mock.Add(tick)
		if scheduler.Tick(queue) > 0 {
			fires = append(fires, mock.Now())
		}
	}
	for i := 1; i < len(fires); i++ {
		assert.GreaterOrEqual(t, fires[i].Sub(fires[i-1]), period-DefaultEarlyMargin)
	}
	for _, frame := range drain(queue) {
		assert.EqualValues(t, 0, frame.DLC)
	}
}

func TestSchedulerReadsBufferOnEachFire(t *testing.T) {
	mock := clock.NewMock()
	scheduler := NewScheduler(1, DefaultEarlyMargin, mock)
	queue, _ := NewSendQueue(8)
	buffer := NewBufferFrom([]byte{0})
	_ = scheduler.Add(0x10, buffer, tick)

	mock.Add(tick)
	scheduler.Tick(queue)
	buffer.Set([]byte{7})
	mock.Add(tick)
	scheduler.Tick(queue)

	frames := drain(queue)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 0, frames[0].Data[0])
	assert.EqualValues(t, 7, frames[1].Data[0])
}

func TestSchedulerClampsLongBuffer(t *testing.T) {
	mock := clock.NewMock()
	scheduler := NewScheduler(1, 0, mock)
	queue, _ := NewSendQueue(1)
	_ = scheduler.Add(0x10, NewBufferFrom([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}), tick)
	mock.Add(tick)
	assert.Equal(t, 1, scheduler.Tick(queue))
	frame := <-queue.C()
	assert.EqualValues(t, can.MaxDLC, frame.DLC)
	assert.Nil(t, frame.Validate())
}

func TestSchedulerQueueFull(t *testing.T) {
	mock := clock.NewMock()
	scheduler := NewScheduler(2, 0, mock)
	queue, _ := NewSendQueue(1)
	_ = scheduler.Add(0x1, nil, tick)
	_ = scheduler.Add(0x2, nil, tick)
	mock.Add(tick)
	// Only one fits, the other is dropped without blocking
	assert.Equal(t, 1, scheduler.Tick(queue))
	drain(queue)
	// Dropped entry is not retried before its next period
	mock.Add(time.Millisecond)
	assert.Equal(t, 0, scheduler.Tick(queue))
}

func TestSchedulerInvalid(t *testing.T) {
	scheduler := NewScheduler(1, DefaultEarlyMargin, clock.NewMock())
	assert.ErrorIs(t, scheduler.Add(0x800, nil, tick), ErrInvalidArgument)
	assert.ErrorIs(t, scheduler.Add(0x1, nil, 0), ErrInvalidArgument)
	assert.Nil(t, scheduler.Add(0x1, nil, tick))
	assert.ErrorIs(t, scheduler.Add(0x2, nil, tick), ErrCapacity)
	assert.Equal(t, 1, scheduler.Len())
	scheduler.Reset()
	assert.Equal(t, 0, scheduler.Len())
}
