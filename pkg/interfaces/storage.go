package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// UserRepository persists users and their quota counters.
type UserRepository interface {
	// EnsureUser returns the user, inserting a free-tier record the first
	// time an authenticated id is seen.
	EnsureUser(ctx context.Context, userID string) (*types.User, error)

	GetUser(ctx context.Context, userID string) (*types.User, error)

	// UpdateUser runs mutate against the current record and stores the result
	// atomically with respect to every other write. A mutate error aborts the
	// update and is returned unchanged.
	UpdateUser(ctx context.Context, userID string, mutate func(*types.User) error) (*types.User, error)

	SetSubscription(ctx context.Context, userID string, sub types.Subscription) error
}

// ConversationRepository persists conversations and messages. Every method
// takes the owner so ownership is enforced by the query itself.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, ownerID, conversationID string) (*types.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]*types.Conversation, error)
	UpdateConversation(ctx context.Context, ownerID, conversationID string, update types.ConversationUpdate, now time.Time) (*types.Conversation, error)
	DeleteConversation(ctx context.Context, ownerID, conversationID string) error

	// AppendMessage inserts msg and recomputes the conversation metadata in
	// one transaction. It fills msg.CreatedAt (clamped to be monotonic) and
	// msg.Sequence and returns the updated conversation.
	AppendMessage(ctx context.Context, ownerID string, msg *types.Message) (*types.Conversation, error)

	ListMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error)
}
