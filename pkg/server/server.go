//go:build linux

// Package server implements a multiplexed TCP server.
//
// A single routine polls the listening socket and every connected client,
// accepts new peers and hands received data to a callback. Data can be
// sent to one client or broadcast to all of them from any goroutine.
// Clients that fail to receive data are disconnected.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/7ony/CAN-TCP/internal/metrics"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	listenBacklog     = 512
	receiveBufferSize = 10 * 1024
)

// Called from the polling routine with the data received from client.
// data is only valid for the duration of the call
type ReceiveCallback func(data []byte, server *Server, client *Client, userData any)

// Called from the polling routine when a client is accepted
type ConnectCallback func(server *Server, client *Client, userData any)

type Server struct {
	lifeMu    sync.Mutex // serializes Start and Stop
	mu        sync.RWMutex
	started   bool
	listenFd  int
	wakeRead  int
	wakeWrite int
	stopping  atomic.Bool
	wg        sync.WaitGroup

	registry  *clientRegistry
	onReceive ReceiveCallback
	onConnect ConnectCallback
	userData  any
}

// Create a server, callbacks may be nil
func NewServer(onReceive ReceiveCallback, onConnect ConnectCallback, userData any) *Server {
	return &Server{
		listenFd:  -1,
		wakeRead:  -1,
		wakeWrite: -1,
		registry:  newClientRegistry(),
		onReceive: onReceive,
		onConnect: onConnect,
		userData:  userData,
	}
}

// Start listening on all interfaces on the given port, 0 picks a free port.
// Clients are served from a background routine until [Server.Stop]
func (s *Server) Start(port uint16) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.isStarted() {
		return ErrAlreadyStarted
	}

	listenFd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%w : socket : %v", ErrSocket, err)
	}
	if err := unix.SetsockoptInt(listenFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(listenFd)
		return fmt.Errorf("%w : SO_REUSEADDR : %v", ErrSocket, err)
	}
	if err := unix.Bind(listenFd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		_ = unix.Close(listenFd)
		return fmt.Errorf("%w : bind port %v : %v", ErrSocket, port, err)
	}
	if err := unix.Listen(listenFd, listenBacklog); err != nil {
		_ = unix.Close(listenFd)
		return fmt.Errorf("%w : listen : %v", ErrSocket, err)
	}
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(listenFd)
		return fmt.Errorf("%w : wake pipe : %v", ErrSocket, err)
	}

	s.mu.Lock()
	s.listenFd, s.wakeRead, s.wakeWrite = listenFd, wake[0], wake[1]
	s.started = true
	s.mu.Unlock()

	s.stopping.Store(false)
	s.wg.Add(1)
	go s.run(listenFd, wake[0])
	log.Infof("[SERVER] listening on %v", s.Addr())
	return nil
}

// Stop serving. Every remaining client is disconnected.
// Stop must not be called from a callback
func (s *Server) Stop() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	listenFd, wakeRead, wakeWrite := s.listenFd, s.wakeRead, s.wakeWrite
	s.started = false
	s.listenFd, s.wakeRead, s.wakeWrite = -1, -1, -1
	s.mu.Unlock()

	s.stopping.Store(true)
	_, _ = unix.Write(wakeWrite, []byte{0})
	s.wg.Wait()

	err := multierr.Combine(
		closeFd("listen socket", listenFd),
		closeFd("wake pipe", wakeRead),
		closeFd("wake pipe", wakeWrite),
	)
	removed := s.registry.Clear()
	log.Infof("[SERVER] stopped, %v clients disconnected", removed)
	return err
}

func closeFd(name string, fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("closing %v : %w", name, err)
	}
	return nil
}

// Send data to client, or to every client if client is nil.
// A client that fails to receive data is disconnected.
// Broadcasts always report len(data) regardless of individual failures
func (s *Server) Send(client *Client, data []byte) (int, error) {
	if client == nil {
		for _, c := range s.registry.Snapshot() {
			_, _ = s.sendTo(c, data)
		}
		return len(data), nil
	}
	registered, ok := s.registry.Find(client.ID)
	if !ok || registered != client {
		return 0, fmt.Errorf("%w : %v", ErrClientNotFound, client)
	}
	return s.sendTo(registered, data)
}

func (s *Server) sendTo(client *Client, data []byte) (int, error) {
	n, err := client.write(data)
	if err != nil {
		metrics.ClientSendFailures.Inc()
		log.Warnf("[SERVER] failed to send to %v, disconnecting : %v", client, err)
		_ = s.registry.Remove(client.ID)
		return n, err
	}
	metrics.BytesSentTotal.Add(float64(n))
	return n, nil
}

// Number of connected clients
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Clients returns the connected clients in connection order
func (s *Server) Clients() []*Client {
	return s.registry.Snapshot()
}

// Addr returns the listening address, nil if not started
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil
	}
	sa, err := unix.Getsockname(s.listenFd)
	if err != nil {
		return nil
	}
	ip, port, ok := sockaddrToIP(sa)
	if !ok {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func (s *Server) isStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func sockaddrToIP(sa unix.Sockaddr) (net.IP, int, bool) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]), addr.Port, true
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]), addr.Port, true
	default:
		return nil, 0, false
	}
}
