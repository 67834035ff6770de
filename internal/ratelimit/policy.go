package ratelimit

import (
	"fmt"
	"time"

	"chatrelay/pkg/types"
)

// Message policy selectors
const (
	MessagePolicyPerMinute = "per_minute"
	MessagePolicyDailyFree = "daily_free"
)

// Policy is a named fixed-window limit.
type Policy struct {
	Name   string        `yaml:"-"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
	Max    int           `yaml:"max" env:"MAX"`
	// PerUser adds the user id to the key so users behind one address are
	// counted separately.
	PerUser bool `yaml:"per_user" env:"PER_USER"`
	// ExemptPaid skips the policy for users on a paid tier.
	ExemptPaid bool `yaml:"exempt_paid" env:"EXEMPT_PAID"`
}

func (p Policy) key(s Subject) string {
	key := p.Name + ":" + s.Addr
	if p.PerUser && s.User != nil {
		key += ":" + s.User.ID
	}
	return key
}

// NeedsUser reports whether the policy keys on or exempts by the user, so
// callers know to load the account before enforcing.
func (p Policy) NeedsUser() bool {
	return p.PerUser || p.ExemptPaid
}

func (p Policy) exempt(u *types.User) bool {
	return p.ExemptPaid && u != nil && !u.IsFreeTier()
}

// Validate checks the window and maximum
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("rate limit %s: window must be greater than 0", p.Name)
	}
	if p.Max <= 0 {
		return fmt.Errorf("rate limit %s: max must be greater than 0", p.Name)
	}
	return nil
}

// Policies groups every limit the service applies.
type Policies struct {
	Auth               Policy `yaml:"auth" envPrefix:"AUTH_"`
	API                Policy `yaml:"api" envPrefix:"API_"`
	ConversationCreate Policy `yaml:"conversation_create" envPrefix:"CONVERSATION_CREATE_"`
	MessagePerMinute   Policy `yaml:"message_per_minute" envPrefix:"MESSAGE_PER_MINUTE_"`
	MessageDailyFree   Policy `yaml:"message_daily_free" envPrefix:"MESSAGE_DAILY_FREE_"`
	// MessagePolicy selects which message policy is active.
	MessagePolicy string `yaml:"message_policy" env:"MESSAGE_POLICY"`
}

// DefaultPolicies returns the stock limits. Message sending defaults to the
// flat per-minute policy.
func DefaultPolicies() Policies {
	return Policies{
		Auth:               Policy{Name: "auth", Window: 15 * time.Minute, Max: 5},
		API:                Policy{Name: "api", Window: time.Minute, Max: 60},
		ConversationCreate: Policy{Name: "conversation_create", Window: time.Minute, Max: 10},
		MessagePerMinute:   Policy{Name: "message_per_minute", Window: time.Minute, Max: 30},
		MessageDailyFree:   Policy{Name: "message_daily_free", Window: 24 * time.Hour, Max: 10, PerUser: true, ExemptPaid: true},
		MessagePolicy:      MessagePolicyPerMinute,
	}
}

// Normalize restores policy names, which are not configurable.
func (p *Policies) Normalize() {
	p.Auth.Name = "auth"
	p.API.Name = "api"
	p.ConversationCreate.Name = "conversation_create"
	p.MessagePerMinute.Name = "message_per_minute"
	p.MessageDailyFree.Name = "message_daily_free"
	if p.MessagePolicy == "" {
		p.MessagePolicy = MessagePolicyPerMinute
	}
}

// Message returns the active message policy.
func (p Policies) Message() Policy {
	if p.MessagePolicy == MessagePolicyDailyFree {
		return p.MessageDailyFree
	}
	return p.MessagePerMinute
}

// Validate checks every policy and the message selector
func (p Policies) Validate() error {
	for _, policy := range []Policy{p.Auth, p.API, p.ConversationCreate, p.MessagePerMinute, p.MessageDailyFree} {
		if err := policy.Validate(); err != nil {
			return err
		}
	}
	switch p.MessagePolicy {
	case MessagePolicyPerMinute, MessagePolicyDailyFree:
		return nil
	default:
		return fmt.Errorf("rate limit message_policy must be %q or %q, got %q",
			MessagePolicyPerMinute, MessagePolicyDailyFree, p.MessagePolicy)
	}
}
