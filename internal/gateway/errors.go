package gateway

import "errors"

// Gateway lifecycle errors
var (
	ErrGatewayAlreadyRunning = errors.New("gateway is already running")
	ErrGatewayNotRunning     = errors.New("gateway is not running")
	ErrReplyQueueFull        = errors.New("assistant reply queue is full")
)
