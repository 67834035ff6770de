package quota

import (
	"time"

	"chatrelay/pkg/types"
)

// DefaultDailyLimit is the number of prompts a free-tier user may send per
// calendar day.
const DefaultDailyLimit = 10

const dateLayout = "2006-01-02"

// DateKey returns the calendar date of t in loc as YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

// NextReset returns the start of the calendar day after now in loc.
func NextReset(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

// EffectiveDaily is the daily counter as of now. A stale LastResetDate means
// the counter belongs to an earlier day and counts as zero.
func EffectiveDaily(u *types.User, now time.Time, loc *time.Location) int {
	if u.Usage.LastResetDate != DateKey(now, loc) {
		return 0
	}
	return u.Usage.DailyPrompts
}

// CanConsume reports whether u may send one more prompt.
func CanConsume(u *types.User, now time.Time, limit int, loc *time.Location) bool {
	if u.IsUnlimited() {
		return true
	}
	return EffectiveDaily(u, now, loc) < limit
}

// Remaining returns how many prompts u has left today.
func Remaining(u *types.User, now time.Time, limit int, loc *time.Location) types.Remaining {
	if u.IsUnlimited() {
		return types.UnlimitedRemaining
	}
	left := limit - EffectiveDaily(u, now, loc)
	if left < 0 {
		left = 0
	}
	return types.Remaining{Count: left}
}

// ApplyConsume records one prompt on u, resetting the daily counter first
// when the stored date is not today. Unlimited users are counted as well.
func ApplyConsume(u *types.User, now time.Time, loc *time.Location) {
	today := DateKey(now, loc)
	if u.Usage.LastResetDate != today {
		u.Usage.DailyPrompts = 0
		u.Usage.LastResetDate = today
	}
	u.Usage.DailyPrompts++
	u.Usage.TotalPrompts++
}
