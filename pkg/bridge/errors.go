package bridge

import "errors"

var (
	ErrAlreadyActive   = errors.New("bridge already active")
	ErrNotActive       = errors.New("bridge not active")
	ErrSocket          = errors.New("failed to open CAN socket")
	ErrQueue           = errors.New("failed to create send queue")
	ErrThread          = errors.New("failed to start forwarding routine")
	ErrTimer           = errors.New("failed to start periodic timer")
	ErrCapacity        = errors.New("bind table is full")
	ErrInvalidArgument = errors.New("error in function arguments")
	ErrQueueFull       = errors.New("send queue is full, frame dropped")
)
