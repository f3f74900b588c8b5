//go:build linux

package socketcanv2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Raw socketcan implementation without any third party CAN library.
// Reads are bounded by SO_RCVTIMEO so that Disconnect is observed
// within one read timeout.

const DefaultRcvTimeout = 100 * time.Millisecond

func init() {
	can.RegisterInterface("socketcanv2", NewSocketCanBus)
}

type SocketcanBus struct {
	mu         sync.Mutex
	fd         int
	channel    string
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Create a new SocketCAN bus. This expects the CAN channel to be up.
// e.g. running "ip a" should show can0 or something similar.
func NewSocketCanBus(channel string) (can.Bus, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("if %q : %w", channel, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %w", err)
	}
	tv := unix.NsecToTimeval(int64(DefaultRcvTimeout))
	err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to set read timeout : %w", err)
	}
	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s) : %w", channel, err)
	}
	return &SocketcanBus{fd: fd, channel: channel}, nil
}

// "Connect" implementation of Bus interface
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if s.fd < 0 {
		return fmt.Errorf("socket for %v already closed", s.channel)
	}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processIncoming(ctx)
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
// The socket is released, a new bus should be created for reconnecting
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame can.Frame) error {
	raw := MarshalFrame(frame)
	n, err := unix.Write(s.fd, raw[:])
	if err != nil {
		return err
	}
	if n != SocketCANFrameSize {
		return fmt.Errorf("incomplete write on %v : %v/%v", s.channel, n, SocketCANFrameSize)
	}
	return nil
}

// process incoming frames. This is meant to be run inside of a goroutine
func (s *SocketcanBus) processIncoming(ctx context.Context) {
	raw := make([]byte, SocketCANFrameSize)
	for {
		select {
		case <-ctx.Done():
			log.Debugf("[SOCKETCAN][%v] exiting reception, closed", s.channel)
			return
		default:
		}
		n, err := unix.Read(s.fd, raw)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			// Read timeout, check for cancellation
			continue
		}
		if err != nil {
			log.Warnf("[SOCKETCAN][%v] exiting reception : %v", s.channel, err)
			return
		}
		frame, err := UnmarshalFrame(raw[:n])
		if err != nil {
			log.Warnf("[SOCKETCAN][%v] dropping frame : %v", s.channel, err)
			continue
		}
		s.mu.Lock()
		rxCallback := s.rxCallback
		s.mu.Unlock()
		if rxCallback != nil {
			rxCallback.Handle(frame)
		}
	}
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCallback = rxCallback
	return nil
}

// Enable own reception on the bus. CAN be useful when testing for example
func (s *SocketcanBus) SetReceiveOwn(enabled bool) error {
	enabledInt := 0
	if enabled {
		enabledInt = 1
	}
	log.Debugf("[SOCKETCAN][%v] setting option 'CAN_RAW_RECV_OWN_MSGS' to %v", s.channel, enabled)
	return unix.SetsockoptInt(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, enabledInt)
}

// Add some filtering to CAN bus
func (s *SocketcanBus) SetFilters(filters []unix.CanFilter) error {
	log.Debugf("[SOCKETCAN][%v] setting option 'CAN_RAW_FILTER' : %v", s.channel, filters)
	return unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
}
