package virtual

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Virtual CAN bus implementation with TCP primarily used for testing
// This needs a broker server to send CAN frames to all connected clients
// More information : https://github.com/windelbouwman/virtualcan

const (
	readTimeout  = 200 * time.Millisecond
	writeTimeout = 10 * time.Millisecond
	headerSize   = 4
)

var ErrNotConnected = errors.New("no active connection")

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

type Bus struct {
	mu           sync.Mutex
	writeMu      sync.Mutex
	channel      string
	conn         net.Conn
	receiveOwn   bool
	framehandler can.FrameListener
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

// Helper function for serializing a CAN frame into the expected binary format
func serializeFrame(frame can.Frame) ([]byte, error) {
	buffer := new(bytes.Buffer)
	err := binary.Write(buffer, binary.BigEndian, frame)
	if err != nil {
		return nil, err
	}
	dataBytes := buffer.Bytes()
	frameBytes := make([]byte, headerSize, headerSize+len(dataBytes))
	binary.BigEndian.PutUint32(frameBytes, uint32(len(dataBytes)))
	frameBytes = append(frameBytes, dataBytes...)
	return frameBytes, nil
}

// Helper function for deserializing a CAN frame from expected binary format
func deserializeFrame(buffer []byte) (can.Frame, error) {
	var frame can.Frame
	err := binary.Read(bytes.NewReader(buffer), binary.BigEndian, &frame)
	if err != nil {
		return frame, err
	}
	return frame, frame.Validate()
}

// "Connect" to server e.g. localhost:18000
func (b *Bus) Connect(...any) error {
	conn, err := net.DialTimeout("tcp", b.channel, time.Second)
	if err != nil {
		return err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			_ = conn.Close()
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn = conn
	var ctx context.Context
	ctx, b.cancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.handleReception(ctx, conn)
	return nil
}

// "Disconnect" from server
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel, conn := b.cancel, b.conn
	b.cancel, b.conn = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		b.wg.Wait()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	conn, receiveOwn, handler := b.conn, b.receiveOwn, b.framehandler
	b.mu.Unlock()
	// Local loopback
	if receiveOwn && handler != nil {
		handler.Handle(frame)
	}
	if conn == nil {
		if receiveOwn {
			return nil
		}
		return fmt.Errorf("%w, abort send", ErrNotConnected)
	}
	frameBytes, err := serializeFrame(frame)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(frameBytes)
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(framehandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.framehandler = framehandler
	return nil
}

// Receive new CAN message
// A timeout error is returned if no frame started within the read timeout
func recv(conn net.Conn) (can.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(conn, headerBytes); err != nil {
		return can.Frame{}, err
	}
	length := binary.BigEndian.Uint32(headerBytes)
	if length > 64 {
		return can.Frame{}, fmt.Errorf("error deserializing : unexpected frame length %v", length)
	}
	frameBytes := make([]byte, length)
	// Rest of the frame is already on its way, allow a full timeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	if _, err := io.ReadFull(conn, frameBytes); err != nil {
		return can.Frame{}, fmt.Errorf("error deserializing : %w", err)
	}
	return deserializeFrame(frameBytes)
}

// Handle incoming traffic
func (b *Bus) handleReception(ctx context.Context, conn net.Conn) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := recv(conn)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// No message received, this is OK
			continue
		}
		if errors.Is(err, can.ErrInvalidFrame) {
			log.Warnf("[VIRTUAL][%v] dropping frame : %v", b.channel, err)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("[VIRTUAL][%v] listening routine has closed because : %v", b.channel, err)
			}
			return
		}
		b.mu.Lock()
		handler := b.framehandler
		b.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
}

func (b *Bus) SetReceiveOwn(receiveOwn bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
	return nil
}
