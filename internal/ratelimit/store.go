package ratelimit

import (
	"context"
	"time"
)

// Store keeps fixed-window counters. Increment must be atomic per key: two
// concurrent increments of the same key always observe distinct counts.
type Store interface {
	// Increment records one hit in the window containing now and returns
	// the hit count of that window and when it ends.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)

	// Peek returns the current window's count without recording a hit.
	Peek(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
}
