package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Remaining is the number of prompts a user may still send today. Unlimited
// users serialize as the string "unlimited".
type Remaining struct {
	Unlimited bool
	Count     int
}

// UnlimitedRemaining is the value reported for active premium subscribers.
var UnlimitedRemaining = Remaining{Unlimited: true}

func (r Remaining) String() string {
	if r.Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(r.Count)
}

func (r Remaining) MarshalJSON() ([]byte, error) {
	if r.Unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(r.Count)
}

func (r *Remaining) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "unlimited" {
			return ErrInvalidRemaining
		}
		*r = UnlimitedRemaining
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidRemaining
	}
	*r = Remaining{Count: n}
	return nil
}

// UsageSnapshot is the quota view returned to clients.
type UsageSnapshot struct {
	UserID       string       `json:"user_id"`
	Subscription Subscription `json:"subscription"`
	DailyPrompts int          `json:"daily_prompts"`
	TotalPrompts int          `json:"total_prompts"`
	DailyLimit   int          `json:"daily_limit"`
	Remaining    Remaining    `json:"remaining"`
	ResetsAt     time.Time    `json:"resets_at"`
}
