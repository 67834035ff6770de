package interfaces

import (
	"context"

	"chatrelay/pkg/types"
)

// ConversationStore is the validated, ownership-checked conversation API.
type ConversationStore interface {
	Create(ctx context.Context, ownerID, title, model string) (*types.Conversation, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]*types.Conversation, error)
	Get(ctx context.Context, ownerID, conversationID string) (*types.Conversation, error)
	Update(ctx context.Context, ownerID, conversationID string, update types.ConversationUpdate) (*types.Conversation, error)
	Delete(ctx context.Context, ownerID, conversationID string) error
	AppendMessage(ctx context.Context, ownerID, conversationID string, msg types.NewMessage) (*types.Message, *types.Conversation, error)
	ListMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error)
}

// OwnershipChecker answers whether a conversation belongs to a user.
// It returns a NotFound error otherwise.
type OwnershipChecker interface {
	Exists(ctx context.Context, ownerID, conversationID string) error
}

// QuotaLedger enforces the daily free-tier prompt limit.
type QuotaLedger interface {
	CanConsume(ctx context.Context, userID string) (bool, error)

	// Consume atomically checks and increments the user's counters. It
	// returns a QuotaExceeded error without incrementing when no prompts
	// remain.
	Consume(ctx context.Context, userID string) (types.Remaining, error)

	Remaining(ctx context.Context, userID string) (types.Remaining, error)
	Usage(ctx context.Context, userID string) (*types.UsageSnapshot, error)
}

// Authenticator resolves a connection credential to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}
