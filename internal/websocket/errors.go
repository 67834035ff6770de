package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrUserMismatch  = errors.New("connection belongs to a different user")
	ErrRegistryDown  = errors.New("registry is stopped")
)
