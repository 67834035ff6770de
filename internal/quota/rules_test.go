package quota

import (
	"testing"
	"time"

	"chatrelay/pkg/types"
)

func freeUser(daily int, lastReset string) *types.User {
	return &types.User{
		ID:           "u1",
		Subscription: types.Subscription{Tier: types.TierFree, Status: types.StatusInactive},
		Usage:        types.Usage{DailyPrompts: daily, LastResetDate: lastReset},
	}
}

func TestCanConsume(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	today := "2024-03-01"
	yesterday := "2024-02-29"

	tests := []struct {
		name string
		user *types.User
		want bool
	}{
		{"fresh user", freeUser(0, ""), true},
		{"below limit today", freeUser(9, today), true},
		{"at limit today", freeUser(10, today), false},
		{"at limit yesterday", freeUser(10, yesterday), true},
		{"premium active at limit", &types.User{
			Subscription: types.Subscription{Tier: types.TierPremium, Status: types.StatusActive},
			Usage:        types.Usage{DailyPrompts: 500, LastResetDate: today},
		}, true},
		{"premium past due at limit", &types.User{
			Subscription: types.Subscription{Tier: types.TierPremium, Status: types.StatusPastDue},
			Usage:        types.Usage{DailyPrompts: 10, LastResetDate: today},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanConsume(tt.user, now, DefaultDailyLimit, time.UTC); got != tt.want {
				t.Errorf("CanConsume() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyConsume_ResetsOnNewDay(t *testing.T) {
	now := time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
	u := freeUser(10, "2024-03-01")
	u.Usage.TotalPrompts = 40

	ApplyConsume(u, now, time.UTC)

	if u.Usage.DailyPrompts != 1 {
		t.Errorf("DailyPrompts = %d, want 1", u.Usage.DailyPrompts)
	}
	if u.Usage.LastResetDate != "2024-03-02" {
		t.Errorf("LastResetDate = %q, want 2024-03-02", u.Usage.LastResetDate)
	}
	if u.Usage.TotalPrompts != 41 {
		t.Errorf("TotalPrompts = %d, want 41", u.Usage.TotalPrompts)
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	u := freeUser(0, "2024-03-01")

	ApplyConsume(u, now, time.UTC)
	if got := Remaining(u, now, DefaultDailyLimit, time.UTC); got.Unlimited || got.Count != 9 {
		t.Errorf("Remaining() = %v, want 9", got)
	}

	premium := &types.User{Subscription: types.Subscription{Tier: types.TierPremium, Status: types.StatusActive}}
	if got := Remaining(premium, now, DefaultDailyLimit, time.UTC); !got.Unlimited {
		t.Errorf("Remaining(premium) = %v, want unlimited", got)
	}

	over := freeUser(12, "2024-03-01")
	if got := Remaining(over, now, DefaultDailyLimit, time.UTC); got.Count != 0 {
		t.Errorf("Remaining(over) = %v, want 0", got)
	}
}

func TestDateKey_UsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	// 20:00 UTC on March 1st is already March 2nd at UTC+9
	now := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	if got := DateKey(now, time.UTC); got != "2024-03-01" {
		t.Errorf("DateKey(UTC) = %q", got)
	}
	if got := DateKey(now, loc); got != "2024-03-02" {
		t.Errorf("DateKey(UTC+9) = %q", got)
	}

	u := freeUser(10, "2024-03-01")
	if !CanConsume(u, now, DefaultDailyLimit, loc) {
		t.Error("a new local day must reset the counter")
	}
}

func TestNextReset(t *testing.T) {
	now := time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := NextReset(now, time.UTC); !got.Equal(want) {
		t.Errorf("NextReset() = %v, want %v", got, want)
	}
}
