package server

import "errors"

var (
	ErrSocket         = errors.New("socket error")
	ErrAlreadyStarted = errors.New("server already started")
	ErrNotStarted     = errors.New("server not started")
	ErrGhostClient    = errors.New("ghost client, not registered")
	ErrClientNotFound = errors.New("client not found")
	ErrSendTimeout    = errors.New("client not writable before timeout")
)
