package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var _ interfaces.QuotaLedger = (*Ledger)(nil)

// Config controls quota evaluation.
type Config struct {
	DailyLimit int
	// Location decides where calendar days start. Defaults to UTC.
	Location *time.Location
}

// Ledger applies the quota rules to stored users. Consume performs its
// check-and-increment inside a single repository write, so concurrent
// consumers of the same user never exceed the limit.
type Ledger struct {
	users interfaces.UserRepository
	limit int
	loc   *time.Location
	now   func() time.Time
	log   zerolog.Logger
}

// NewLedger creates a ledger over the user repository.
func NewLedger(users interfaces.UserRepository, cfg Config, log zerolog.Logger) *Ledger {
	limit := cfg.DailyLimit
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		users: users,
		limit: limit,
		loc:   loc,
		now:   time.Now,
		log:   log.With().Str("component", "quota").Logger(),
	}
}

// WithClock replaces the time source; used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// DailyLimit returns the configured free-tier limit.
func (l *Ledger) DailyLimit() int {
	return l.limit
}

func (l *Ledger) load(ctx context.Context, userID string) (*types.User, error) {
	user, err := l.users.EnsureUser(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("load user", err)
	}
	return user, nil
}

// CanConsume reports whether the user may send another prompt without
// recording anything.
func (l *Ledger) CanConsume(ctx context.Context, userID string) (bool, error) {
	user, err := l.load(ctx, userID)
	if err != nil {
		return false, err
	}
	return CanConsume(user, l.now(), l.limit, l.loc), nil
}

// Consume records one prompt. It fails with QuotaExceeded, leaving the
// counters untouched, when the free allowance for today is used up.
func (l *Ledger) Consume(ctx context.Context, userID string) (types.Remaining, error) {
	if _, err := l.load(ctx, userID); err != nil {
		return types.Remaining{}, err
	}

	var now time.Time
	updated, err := l.users.UpdateUser(ctx, userID, func(u *types.User) error {
		now = l.now()
		if !CanConsume(u, now, l.limit, l.loc) {
			return apperr.QuotaExceeded(NextReset(now, l.loc))
		}
		ApplyConsume(u, now, l.loc)
		return nil
	})
	if err != nil {
		if apperr.Is(err, apperr.CodeQuotaExceeded) {
			metrics.QuotaDeniedTotal.Inc()
			l.log.Debug().Str("user_id", userID).Msg("Daily quota exhausted")
			return types.Remaining{Count: 0}, err
		}
		return types.Remaining{}, apperr.Persistence("consume quota", err)
	}

	return Remaining(updated, now, l.limit, l.loc), nil
}

// Remaining returns the prompts left today.
func (l *Ledger) Remaining(ctx context.Context, userID string) (types.Remaining, error) {
	user, err := l.load(ctx, userID)
	if err != nil {
		return types.Remaining{}, err
	}
	return Remaining(user, l.now(), l.limit, l.loc), nil
}

// Usage returns the quota snapshot shown to clients.
func (l *Ledger) Usage(ctx context.Context, userID string) (*types.UsageSnapshot, error) {
	user, err := l.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	return &types.UsageSnapshot{
		UserID:       user.ID,
		Subscription: user.Subscription,
		DailyPrompts: EffectiveDaily(user, now, l.loc),
		TotalPrompts: user.Usage.TotalPrompts,
		DailyLimit:   l.limit,
		Remaining:    Remaining(user, now, l.limit, l.loc),
		ResetsAt:     NextReset(now, l.loc),
	}, nil
}
