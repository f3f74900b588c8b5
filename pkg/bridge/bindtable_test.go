package bridge

import (
	"testing"

	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/stretchr/testify/assert"
)

func TestBindTableFanOut(t *testing.T) {
	table := NewBindTable(4)
	captured := NewBuffer(8)
	calls := []uint32{}
	assert.Nil(t, table.Add(0x100, 0x700, captured, nil))
	assert.Nil(t, table.Add(0x123, 0x7FF, nil, func(frame can.Frame) { calls = append(calls, frame.ID) }))
	// Mask 0 matches everything
	assert.Nil(t, table.Add(0, 0, nil, func(frame can.Frame) { calls = append(calls, frame.ID|0x1000) }))

	frame := can.NewFrameWithData(0x123, []byte{0xDE, 0xAD})
	assert.Equal(t, 3, table.Dispatch(frame))
	assert.Equal(t, []byte{0xDE, 0xAD, 0, 0, 0, 0, 0, 0}, captured.Bytes())
	assert.Equal(t, []uint32{0x123, 0x1123}, calls)

	// 0x423 & 0x700 = 0x400 != 0x100
	calls = calls[:0]
	assert.Equal(t, 1, table.Dispatch(can.NewFrameWithData(0x423, []byte{1})))
	assert.Equal(t, []uint32{0x1423}, calls)
	assert.Equal(t, []byte{0xDE, 0xAD, 0, 0, 0, 0, 0, 0}, captured.Bytes())
}

func TestBindTableOrderIndependent(t *testing.T) {
	count := func(order []uint16) int {
		table := NewBindTable(4)
		matched := 0
		for _, id := range order {
			_ = table.Add(id, 0x7F0, nil, func(can.Frame) { matched++ })
		}
		table.Dispatch(can.NewFrame(0x125, 0, 0))
		return matched
	}
	assert.Equal(t, count([]uint16{0x120, 0x200, 0x12F}), count([]uint16{0x12F, 0x120, 0x200}))
	assert.Equal(t, 2, count([]uint16{0x200, 0x12F, 0x120}))
}

func TestBindTableCaptureShortBuffer(t *testing.T) {
	table := NewBindTable(1)
	captured := NewBuffer(2)
	_ = table.Add(0x10, 0x7FF, captured, nil)
	table.Dispatch(can.NewFrameWithData(0x10, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2}, captured.Bytes())
}

func TestBindTableCapacity(t *testing.T) {
	table := NewBindTable(2)
	assert.Equal(t, 2, table.Capacity())
	assert.Nil(t, table.Add(0x1, 0x7FF, nil, nil))
	assert.Nil(t, table.Add(0x2, 0x7FF, nil, nil))
	assert.ErrorIs(t, table.Add(0x3, 0x7FF, nil, nil), ErrCapacity)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, 0, table.Dispatch(can.NewFrame(0x3, 0, 0)))

	table.Reset()
	assert.Equal(t, 0, table.Len())
	assert.Nil(t, table.Add(0x3, 0x7FF, nil, nil))
}

func TestBindTableInvalid(t *testing.T) {
	table := NewBindTable(0)
	assert.Equal(t, DefaultRxCapacity, table.Capacity())
	assert.ErrorIs(t, table.Add(0x800, 0x7FF, nil, nil), ErrInvalidArgument)
	assert.ErrorIs(t, table.Add(0x100, 0xFFFF, nil, nil), ErrInvalidArgument)
	assert.Equal(t, 0, table.Len())
}

func TestBindTableCallbackCanBind(t *testing.T) {
	table := NewBindTable(2)
	_ = table.Add(0x1, 0x7FF, nil, func(can.Frame) {
		_ = table.Add(0x2, 0x7FF, nil, nil)
	})
	table.Dispatch(can.NewFrame(0x1, 0, 0))
	assert.Equal(t, 2, table.Len())
}
