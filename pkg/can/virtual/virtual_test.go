package virtual

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal virtualcan broker : every byte received from a client
// is relayed to every other client
func startBroker(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	var mu sync.Mutex
	conns := []net.Conn{}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func(src net.Conn) {
				buf := make([]byte, 512)
				for {
					n, err := src.Read(buf)
					if err != nil {
						return
					}
					mu.Lock()
					for _, dst := range conns {
						if dst != src {
							_, _ = dst.Write(buf[:n])
						}
					}
					mu.Unlock()
				}
			}(conn)
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return l.Addr().String()
}

func newVcan(t *testing.T, channel string) *Bus {
	canBus, err := NewVirtualCanBus(channel)
	require.Nil(t, err)
	return canBus.(*Bus)
}

type FrameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (frameReceiver *FrameReceiver) Handle(frame can.Frame) {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	frameReceiver.frames = append(frameReceiver.frames, frame)
}

func (frameReceiver *FrameReceiver) get() []can.Frame {
	frameReceiver.mu.Lock()
	defer frameReceiver.mu.Unlock()
	return append([]can.Frame{}, frameReceiver.frames...)
}

func TestSerializeLayout(t *testing.T) {
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	raw, err := serializeFrame(frame)
	assert.Nil(t, err)
	// 4 bytes length + 4 id + 1 flags + 1 dlc + 8 data
	assert.Len(t, raw, 18)
	assert.Equal(t, []byte{0, 0, 0, 14}, raw[:4])
	decoded, err := deserializeFrame(raw[4:])
	assert.Nil(t, err)
	assert.Equal(t, frame, decoded)
}

func TestDeserializeInvalid(t *testing.T) {
	raw, _ := serializeFrame(can.Frame{ID: 0x111, DLC: 12})
	_, err := deserializeFrame(raw[4:])
	assert.ErrorIs(t, err, can.ErrInvalidFrame)
	_, err = deserializeFrame([]byte{1, 2})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSendAndSubscribe(t *testing.T) {
	channel := startBroker(t)
	vcan1 := newVcan(t, channel)
	vcan2 := newVcan(t, channel)
	require.Nil(t, vcan1.Connect())
	require.Nil(t, vcan2.Connect())
	defer vcan1.Disconnect()
	defer vcan2.Disconnect()

	frameReceiver := &FrameReceiver{}
	_ = vcan2.Subscribe(frameReceiver)
	// Broker registration is asynchronous
	time.Sleep(50 * time.Millisecond)
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		assert.Nil(t, vcan1.Send(frame))
	}
	assert.Eventually(t, func() bool { return len(frameReceiver.get()) == 10 }, 2*time.Second, 10*time.Millisecond)
	for i, frame := range frameReceiver.get() {
		assert.EqualValues(t, 0x111, frame.ID)
		assert.EqualValues(t, uint8(i), frame.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	vcan1 := newVcan(t, "127.0.0.1:1")
	defer vcan1.Disconnect()
	frameReceiver := &FrameReceiver{}
	_ = vcan1.Subscribe(frameReceiver)
	frame := can.Frame{ID: 0x111, Flags: 0, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	assert.ErrorIs(t, vcan1.Send(frame), ErrNotConnected)
	assert.Len(t, frameReceiver.get(), 0)

	// Activate receive own
	_ = vcan1.SetReceiveOwn(true)
	assert.Nil(t, vcan1.Send(frame))
	assert.Len(t, frameReceiver.get(), 1)
}

func TestDisconnectWithoutConnect(t *testing.T) {
	vcan := newVcan(t, "127.0.0.1:1")
	assert.Nil(t, vcan.Disconnect())
}
