package types

import (
	"strings"
	"time"
)

// Subscription tiers and statuses. Only an active premium subscription
// lifts the daily free quota.
const (
	TierFree    = "free"
	TierPremium = "premium"

	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Defaults applied when a conversation is created without explicit values.
const (
	DefaultConversationTitle = "New Conversation"
	DefaultModel             = "gpt-3.5-turbo"
)

// Outbound event names delivered over the realtime transport.
const (
	EventConnected           = "connected"
	EventJoinedConversation  = "joined_conversation"
	EventLeftConversation    = "left_conversation"
	EventNewMessage          = "new_message"
	EventConversationCreated = "conversation_created"
	EventConversationUpdated = "conversation_updated"
	EventConversationDeleted = "conversation_deleted"
	EventAssistantError      = "assistant_error"
	EventError               = "error"
	EventPong                = "pong"
)

// Room name prefixes
const (
	userRoomPrefix         = "user:"
	conversationRoomPrefix = "conversation:"
)

// Subscription describes the billing state of a user. It is written by the
// billing system and only read here.
type Subscription struct {
	Tier   string `json:"tier"`
	Status string `json:"status"`
}

// Usage holds the daily prompt counters used by quota enforcement.
// LastResetDate is a calendar date formatted as YYYY-MM-DD.
type Usage struct {
	DailyPrompts  int    `json:"daily_prompts"`
	LastResetDate string `json:"last_reset_date"`
	TotalPrompts  int    `json:"total_prompts"`
}

// User is the subset of the account record this service needs.
type User struct {
	ID           string       `json:"id"`
	Subscription Subscription `json:"subscription"`
	Usage        Usage        `json:"usage"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// IsUnlimited reports whether the user is exempt from the daily free quota.
func (u *User) IsUnlimited() bool {
	return u.Subscription.Tier == TierPremium && u.Subscription.Status == StatusActive
}

// IsFreeTier reports whether the user is on the free plan.
func (u *User) IsFreeTier() bool {
	return u.Subscription.Tier == "" || u.Subscription.Tier == TierFree
}

// ConversationMetadata is derived from the conversation's messages and is
// recomputed every time a message is appended. LastActivityAt starts at the
// conversation's creation time.
type ConversationMetadata struct {
	MessageCount   int       `json:"message_count"`
	TotalTokens    int       `json:"total_tokens"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Conversation is a titled thread owned by exactly one user.
type Conversation struct {
	ID        string               `json:"id"`
	OwnerID   string               `json:"owner_id"`
	Title     string               `json:"title"`
	Model     string               `json:"model"`
	Metadata  ConversationMetadata `json:"metadata"`
	Archived  bool                 `json:"archived"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Message is a single turn inside a conversation. Sequence breaks ties
// between messages that share a CreatedAt.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
	Sequence       int64     `json:"sequence"`
}

// NewMessage is the input to an append.
type NewMessage struct {
	Role       string
	Content    string
	Model      string
	TokenCount int
}

// ConversationUpdate carries the mutable conversation fields. Nil fields are
// left untouched.
type ConversationUpdate struct {
	Title    *string `json:"title,omitempty"`
	Model    *string `json:"model,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// Event is the envelope for every outbound realtime payload.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType string, data interface{}) Event {
	return Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}

// UserRoom returns the room every connection of userID joins on connect.
func UserRoom(userID string) string {
	return userRoomPrefix + userID
}

// ConversationRoom returns the room for live updates of one conversation.
func ConversationRoom(conversationID string) string {
	return conversationRoomPrefix + conversationID
}

// ParseRoom splits a room name into its kind ("user" or "conversation") and id.
func ParseRoom(room string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(room, userRoomPrefix):
		kind, id = "user", strings.TrimPrefix(room, userRoomPrefix)
	case strings.HasPrefix(room, conversationRoomPrefix):
		kind, id = "conversation", strings.TrimPrefix(room, conversationRoomPrefix)
	default:
		return "", "", false
	}
	return kind, id, id != ""
}
