package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/types"
)

// Decision is the outcome of one rate-limit evaluation.
type Decision struct {
	Allowed    bool
	Count      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter evaluates fixed-window limits against a Store.
type Limiter struct {
	store      Store
	now        func() time.Time
	failClosed bool
	log        zerolog.Logger
}

// NewLimiter creates a limiter over store
func NewLimiter(store Store, log zerolog.Logger) *Limiter {
	return &Limiter{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "ratelimit").Logger(),
	}
}

// WithClock replaces the time source; used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// WithFailClosed makes Enforce and Blocked reject requests while the store
// is unavailable instead of letting them through.
func (l *Limiter) WithFailClosed(failClosed bool) *Limiter {
	l.failClosed = failClosed
	return l
}

// Allow records one hit for key and reports whether it fits in the window.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := l.now()
	count, resetAt, err := l.store.Increment(ctx, key, window, now)
	if err != nil {
		return Decision{}, err
	}
	return decide(count, max, resetAt, now, count <= max), nil
}

// Peek reports whether key is already over max without recording a hit.
func (l *Limiter) Peek(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := l.now()
	count, resetAt, err := l.store.Peek(ctx, key, window, now)
	if err != nil {
		return Decision{}, err
	}
	return decide(count, max, resetAt, now, count < max), nil
}

func decide(count, max int, resetAt, now time.Time, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Count:     count,
		Remaining: max - count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}

// Enforce counts one hit of policy p for subject and returns a RateLimited
// error when the window is exhausted. Store failures let the request through
// unless the limiter fails closed.
func (l *Limiter) Enforce(ctx context.Context, p Policy, subject Subject) error {
	if p.exempt(subject.User) {
		return nil
	}

	decision, err := l.Allow(ctx, p.key(subject), p.Window, p.Max)
	if err != nil {
		return l.storeFailure(p, err)
	}
	if !decision.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(p.Name).Inc()
		return apperr.RateLimited(decision.RetryAfter)
	}
	return nil
}

// Blocked returns a RateLimited error when p is already exhausted for
// subject, without counting a hit. Used to gate failed-attempt policies.
func (l *Limiter) Blocked(ctx context.Context, p Policy, subject Subject) error {
	if p.exempt(subject.User) {
		return nil
	}

	decision, err := l.Peek(ctx, p.key(subject), p.Window, p.Max)
	if err != nil {
		return l.storeFailure(p, err)
	}
	if !decision.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(p.Name).Inc()
		return apperr.RateLimited(decision.RetryAfter)
	}
	return nil
}

func (l *Limiter) storeFailure(p Policy, err error) error {
	l.log.Error().Err(err).Str("policy", p.Name).Bool("fail_closed", l.failClosed).Msg("Rate limit store unavailable")
	if l.failClosed {
		return apperr.Wrap(apperr.CodeInternal, "rate limiter unavailable", err)
	}
	return nil
}

// Subject identifies who a limit applies to. User may be nil before
// authentication.
type Subject struct {
	Addr string
	User *types.User
}
