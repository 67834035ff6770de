package database

import "errors"

var (
	// ErrNotFound covers both missing rows and rows owned by another user.
	ErrNotFound      = errors.New("record not found")
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)
