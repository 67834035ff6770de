package router

import "errors"

// Router errors
var (
	ErrRouterStopped = errors.New("router is stopped")
	ErrEmptyConnID   = errors.New("connection id cannot be empty")
)
