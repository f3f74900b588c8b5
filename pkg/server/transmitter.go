//go:build linux

package server

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Maximum wait for a client socket to become writable, per attempt
const sendTimeout = 1 * time.Second

// Send the whole buffer on a non blocking socket.
// Partial writes are continued until everything is sent, the call
// fails if the socket does not become writable within sendTimeout.
// The returned count is len(data) on success.
func secureSend(fd int, data []byte) (int, error) {
	sent := 0
	for sent < len(data) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(sendTimeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return sent, fmt.Errorf("poll : %w", err)
		}
		if n == 0 {
			return sent, ErrSendTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return sent, fmt.Errorf("socket not writable (events x%x) : %w", fds[0].Revents, unix.EPIPE)
		}
		written, err := unix.SendmsgN(fd, data[sent:], nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return sent, fmt.Errorf("write : %w", err)
		}
		sent += written
	}
	return sent, nil
}
