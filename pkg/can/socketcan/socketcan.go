//go:build linux

package socketcan

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	can "github.com/7ony/CAN-TCP/pkg/can"
	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can
//
// The raw socket is opened here in non blocking mode instead of
// by brutella/can : the file is then served by the runtime poller
// and closing it interrupts a pending read, even on a quiet bus.

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	mu         sync.Mutex
	bus        *sockcan.Bus
	rxCallback can.FrameListener
	done       chan struct{}
}

func NewSocketCanBus(name string) (can.Bus, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("if %q : %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to create CAN socket : %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s) : %w", name, err)
	}
	return newSocketcanBus(os.NewFile(uintptr(fd), name)), nil
}

// Wrap any frame stream, the bus handler list is fixed here so that
// brutella/can never sees a Subscribe while publishing
func newSocketcanBus(rwc io.ReadWriteCloser) *SocketcanBus {
	s := &SocketcanBus{bus: sockcan.NewBus(sockcan.NewReadWriteCloser(rwc))}
	s.bus.Subscribe(s)
	return s
}

// "Connect" implementation of Bus interface
func (s *SocketcanBus) Connect(...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}
	s.done = make(chan struct{})
	done := s.done
	go func() {
		defer close(done)
		err := s.bus.ConnectAndPublish()
		if err != nil {
			log.Debugf("[SOCKETCAN] reception stopped : %v", err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
// The socket is released, a new bus should be created for reconnecting
func (s *SocketcanBus) Disconnect() error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	err := s.bus.Disconnect()
	if done != nil {
		<-done
	}
	return err
}

// "Send" implementation of Bus interface
func (s *SocketcanBus) Send(frame can.Frame) error {
	return s.bus.Publish(
		sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (s *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxCallback = rxCallback
	return nil
}

// brutella/can specific "Handle" implementation
func (s *SocketcanBus) Handle(frame sockcan.Frame) {
	s.mu.Lock()
	rxCallback := s.rxCallback
	s.mu.Unlock()
	if rxCallback == nil {
		return
	}
	rxCallback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}
