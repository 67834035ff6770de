package types

import "errors"

// Validation errors shared by every layer that accepts conversation input
var (
	ErrEmptyContent       = errors.New("content cannot be empty")
	ErrContentTooLong     = errors.New("content exceeds maximum length")
	ErrEmptyTitle         = errors.New("title cannot be empty")
	ErrTitleTooLong       = errors.New("title exceeds maximum length")
	ErrInvalidRole        = errors.New("role must be user or assistant")
	ErrModelRequired      = errors.New("model is required for assistant messages")
	ErrModelNotAllowed    = errors.New("model is only recorded for assistant messages")
	ErrNegativeTokenCount = errors.New("token count cannot be negative")
	ErrInvalidUserID      = errors.New("user ID must be 1-128 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRemaining   = errors.New("remaining must be an integer or \"unlimited\"")
)
