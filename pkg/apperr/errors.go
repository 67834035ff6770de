package apperr

import (
	"errors"
	"fmt"
	"time"
)

// AppError is the error type surfaced to callers of the core operations.
// Field is set for invalid arguments, RetryAfter for rate limits and ResetAt
// for exhausted quotas.
type AppError struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	Field      string        `json:"field,omitempty"`
	RetryAfter time.Duration `json:"-"`
	ResetAt    *time.Time    `json:"reset_at,omitempty"`
	Cause      error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

// NotFound is returned for missing resources and for resources owned by
// somebody else; callers cannot tell the two apart.
func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func InvalidArgument(field, msg string) error {
	return &AppError{Code: CodeInvalidArgument, Message: msg, Field: field}
}

func QuotaExceeded(resetAt time.Time) error {
	return &AppError{
		Code:    CodeQuotaExceeded,
		Message: "daily free quota exhausted",
		ResetAt: &resetAt,
	}
}

func RateLimited(retryAfter time.Duration) error {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "too many requests, please try again later",
		RetryAfter: retryAfter,
	}
}

// Persistence wraps a storage failure. Storage errors are never retried by
// the core; the caller decides.
func Persistence(op string, cause error) error {
	return Wrap(CodeInternal, op+" failed", cause)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// As extracts the AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of err, CodeUnknown for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
