//go:build linux

package socketcan

import (
	"os"
	"sync"
	"testing"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	sockcan "github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Bus over one end of a datagram socket pair, the other end plays the CAN controller
func createSocketcanBus(t *testing.T) (*SocketcanBus, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.Nil(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return newSocketcanBus(os.NewFile(uintptr(fds[0]), "socketpair")), fds[1]
}

type frameListener struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (f *frameListener) Handle(frame can.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

func (f *frameListener) get() []can.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]can.Frame{}, f.frames...)
}

func writeFrame(t *testing.T, fd int, frame sockcan.Frame) {
	raw, err := sockcan.Marshal(frame)
	require.Nil(t, err)
	_, err = unix.Write(fd, raw)
	require.Nil(t, err)
}

func disconnectWithin(t *testing.T, bus *SocketcanBus, timeout time.Duration) {
	done := make(chan error, 1)
	go func() { done <- bus.Disconnect() }()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("disconnect still blocked after %v", timeout)
	}
}

func TestDisconnectQuietBus(t *testing.T) {
	bus, _ := createSocketcanBus(t)
	require.Nil(t, bus.Connect())
	// Let the reception routine block on an empty socket
	time.Sleep(50 * time.Millisecond)
	disconnectWithin(t, bus, time.Second)
}

func TestDisconnectWithoutConnect(t *testing.T) {
	bus, _ := createSocketcanBus(t)
	disconnectWithin(t, bus, time.Second)
}

func TestReceive(t *testing.T) {
	bus, peer := createSocketcanBus(t)
	listener := &frameListener{}
	require.Nil(t, bus.Subscribe(listener))
	require.Nil(t, bus.Connect())
	defer disconnectWithin(t, bus, time.Second)

	writeFrame(t, peer, sockcan.Frame{ID: 0x123, Length: 2, Data: [8]uint8{0xCA, 0xFE}})
	assert.Eventually(t, func() bool { return len(listener.get()) == 1 }, time.Second, 5*time.Millisecond)
	frame := listener.get()[0]
	assert.EqualValues(t, 0x123, frame.ID)
	assert.Equal(t, []byte{0xCA, 0xFE}, frame.Payload())
}

func TestResubscribe(t *testing.T) {
	bus, peer := createSocketcanBus(t)
	first := &frameListener{}
	second := &frameListener{}
	require.Nil(t, bus.Subscribe(first))
	require.Nil(t, bus.Connect())
	defer disconnectWithin(t, bus, time.Second)

	writeFrame(t, peer, sockcan.Frame{ID: 0x1, Length: 1})
	assert.Eventually(t, func() bool { return len(first.get()) == 1 }, time.Second, 5*time.Millisecond)

	// Only the current listener receives frames
	require.Nil(t, bus.Subscribe(second))
	writeFrame(t, peer, sockcan.Frame{ID: 0x2, Length: 1})
	assert.Eventually(t, func() bool { return len(second.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, first.get(), 1)
	assert.EqualValues(t, 0x2, second.get()[0].ID)
}

func TestSend(t *testing.T) {
	bus, peer := createSocketcanBus(t)
	require.Nil(t, bus.Connect())
	defer disconnectWithin(t, bus, time.Second)

	require.Nil(t, bus.Send(can.NewFrameWithData(0x7AA, []byte{1, 2, 3})))
	raw := make([]byte, 64)
	var n int
	require.Eventually(t, func() bool {
		var err error
		n, err = unix.Read(peer, raw)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	frame := sockcan.Frame{}
	require.Nil(t, sockcan.Unmarshal(raw[:n], &frame))
	assert.EqualValues(t, 0x7AA, frame.ID)
	assert.EqualValues(t, 3, frame.Length)
	assert.Equal(t, [8]uint8{1, 2, 3}, frame.Data)
}
