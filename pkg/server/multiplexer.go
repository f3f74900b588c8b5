//go:build linux

package server

import (
	"errors"
	"time"

	"github.com/7ony/CAN-TCP/internal/metrics"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Poll timeout, the stop request is also checked at this interval
const pollTimeout = 5 * time.Second

const (
	listenIndex = 0
	wakeIndex   = 1
	firstClient = 2
)

// Polling routine : accepts clients and dispatches received data.
// The poll set is rebuilt from a registry snapshot on every iteration,
// each entry keeps the client handle it was built from.
func (s *Server) run(listenFd int, wakeFd int) {
	defer s.wg.Done()
	buffer := make([]byte, receiveBufferSize)
	for !s.stopping.Load() {
		clients := s.registry.Snapshot()
		fds := make([]unix.PollFd, firstClient, firstClient+len(clients))
		fds[listenIndex] = unix.PollFd{Fd: int32(listenFd), Events: unix.POLLIN}
		fds[wakeIndex] = unix.PollFd{Fd: int32(wakeFd), Events: unix.POLLIN}
		for _, client := range clients {
			fds = append(fds, unix.PollFd{Fd: int32(client.fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			log.Errorf("[SERVER] polling routine has closed because : %v", err)
			return
		}
		if s.stopping.Load() {
			return
		}
		if n == 0 {
			continue
		}
		if fds[wakeIndex].Revents != 0 {
			drainWake(wakeFd)
		}
		if fds[listenIndex].Revents&unix.POLLIN != 0 {
			s.accept(listenFd)
		}
		for i, client := range clients {
			revents := fds[firstClient+i].Revents
			if revents == 0 {
				continue
			}
			// Removed concurrently, e.g. after a failed send
			if registered, ok := s.registry.Find(client.ID); !ok || registered != client {
				continue
			}
			if revents&unix.POLLIN != 0 {
				s.receive(client, buffer)
				continue
			}
			if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				log.Debugf("[SERVER] client %v socket error (events x%x)", client, revents)
				_ = s.registry.Remove(client.ID)
			}
		}
	}
}

func drainWake(fd int) {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}

// Accept every pending connection
func (s *Server) accept(listenFd int) {
	for {
		fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			log.Warnf("[SERVER] accept failed : %v", err)
			return
		}
		ip, port, ok := sockaddrToIP(sa)
		if !ok {
			log.Warnf("[SERVER] unexpected peer address %T, closing", sa)
			_ = unix.Close(fd)
			continue
		}
		client := s.registry.Add(fd, ip.String(), uint16(port))
		metrics.ClientsAcceptedTotal.Inc()
		log.Debugf("[SERVER] accepted client %v", client)
		if s.onConnect != nil {
			s.onConnect(s, client, s.userData)
		}
	}
}

func (s *Server) receive(client *Client, buffer []byte) {
	n, err := client.read(buffer)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return
	}
	if err != nil || n <= 0 {
		if err != nil {
			log.Debugf("[SERVER] client %v read error : %v", client, err)
		} else {
			log.Debugf("[SERVER] client %v disconnected", client)
		}
		_ = s.registry.Remove(client.ID)
		return
	}
	metrics.BytesReceivedTotal.Add(float64(n))
	if s.onReceive != nil {
		s.onReceive(buffer[:n], s, client, s.userData)
	}
}
