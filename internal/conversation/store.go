package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/database"
	"chatrelay/internal/metrics"
	"chatrelay/pkg/apperr"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

var (
	_ interfaces.ConversationStore = (*Store)(nil)
	_ interfaces.OwnershipChecker  = (*Store)(nil)
)

// Repository is the persistence the store needs.
type Repository interface {
	interfaces.ConversationRepository
	ConversationExists(ctx context.Context, ownerID, conversationID string) error
	RecentMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error)
}

// Limits bounds input sizes and list lengths.
type Limits struct {
	MaxContentLength  int
	MaxTitleLength    int
	ConversationsPage int
	MessagesPage      int
}

// DefaultLimits returns the stock limits
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength:  types.DefaultMaxContentLength,
		MaxTitleLength:    types.DefaultMaxTitleLength,
		ConversationsPage: 50,
		MessagesPage:      100,
	}
}

// Store validates input, applies defaults and maps storage failures onto
// the application error taxonomy. Ownership is enforced by the repository
// queries; a conversation owned by someone else is reported as NotFound.
type Store struct {
	repo         Repository
	limits       Limits
	defaultModel string
	now          func() time.Time
	log          zerolog.Logger
}

// NewStore creates a conversation store
func NewStore(repo Repository, limits Limits, defaultModel string, log zerolog.Logger) *Store {
	defaults := DefaultLimits()
	if limits.MaxContentLength <= 0 {
		limits.MaxContentLength = defaults.MaxContentLength
	}
	if limits.MaxTitleLength <= 0 {
		limits.MaxTitleLength = defaults.MaxTitleLength
	}
	if limits.ConversationsPage <= 0 {
		limits.ConversationsPage = defaults.ConversationsPage
	}
	if limits.MessagesPage <= 0 {
		limits.MessagesPage = defaults.MessagesPage
	}
	if defaultModel == "" {
		defaultModel = types.DefaultModel
	}
	return &Store{
		repo:         repo,
		limits:       limits,
		defaultModel: defaultModel,
		now:          time.Now,
		log:          log.With().Str("component", "conversation_store").Logger(),
	}
}

// WithClock replaces the time source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Limits returns the effective limits
func (s *Store) Limits() Limits {
	return s.limits
}

// Create starts a new conversation. An empty title becomes the default
// placeholder, which the first user message later replaces.
func (s *Store) Create(ctx context.Context, ownerID, title, model string) (*types.Conversation, error) {
	if !types.IsValidUserID(ownerID) {
		return nil, apperr.InvalidArgument("owner_id", types.ErrInvalidUserID.Error())
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = types.DefaultConversationTitle
	}
	if err := types.ValidateTitle(title, s.limits.MaxTitleLength); err != nil {
		return nil, apperr.InvalidArgument("title", err.Error())
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = s.defaultModel
	}

	now := s.now().UTC()
	conv := &types.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Model:     model,
		Metadata:  types.ConversationMetadata{LastActivityAt: now},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, s.storageError("create conversation", err)
	}
	metrics.ConversationsCreatedTotal.Inc()
	return conv, nil
}

// ListRecent returns the owner's conversations, most recently active first.
// A non-positive limit uses the configured page size; larger limits are
// capped to it.
func (s *Store) ListRecent(ctx context.Context, ownerID string, limit int) ([]*types.Conversation, error) {
	limit = clampLimit(limit, s.limits.ConversationsPage)
	conversations, err := s.repo.ListConversations(ctx, ownerID, limit)
	if err != nil {
		return nil, s.storageError("list conversations", err)
	}
	return conversations, nil
}

// Get returns one conversation
func (s *Store) Get(ctx context.Context, ownerID, conversationID string) (*types.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, ownerID, conversationID)
	if err != nil {
		return nil, s.storageError("get conversation", err)
	}
	return conv, nil
}

// Exists returns nil when the conversation belongs to ownerID and NotFound
// otherwise.
func (s *Store) Exists(ctx context.Context, ownerID, conversationID string) error {
	if err := s.repo.ConversationExists(ctx, ownerID, conversationID); err != nil {
		return s.storageError("check conversation", err)
	}
	return nil
}

// Update renames, re-targets or archives a conversation
func (s *Store) Update(ctx context.Context, ownerID, conversationID string, update types.ConversationUpdate) (*types.Conversation, error) {
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if err := types.ValidateTitle(title, s.limits.MaxTitleLength); err != nil {
			return nil, apperr.InvalidArgument("title", err.Error())
		}
		update.Title = &title
	}
	if update.Model != nil {
		model := strings.TrimSpace(*update.Model)
		if model == "" {
			return nil, apperr.InvalidArgument("model", "model cannot be empty")
		}
		update.Model = &model
	}

	conv, err := s.repo.UpdateConversation(ctx, ownerID, conversationID, update, s.now().UTC())
	if err != nil {
		return nil, s.storageError("update conversation", err)
	}
	return conv, nil
}

// Delete removes the conversation together with all of its messages
func (s *Store) Delete(ctx context.Context, ownerID, conversationID string) error {
	if err := s.repo.DeleteConversation(ctx, ownerID, conversationID); err != nil {
		return s.storageError("delete conversation", err)
	}
	return nil
}

// ValidateContent checks message content against the configured limit.
func (s *Store) ValidateContent(content string) error {
	if err := types.ValidateContent(content, s.limits.MaxContentLength); err != nil {
		return apperr.InvalidArgument("content", err.Error())
	}
	return nil
}

// AppendMessage validates and stores a message, returning it with its
// assigned id, timestamp and sequence, plus the conversation with its
// recomputed metadata.
func (s *Store) AppendMessage(ctx context.Context, ownerID, conversationID string, in types.NewMessage) (*types.Message, *types.Conversation, error) {
	if err := s.ValidateContent(in.Content); err != nil {
		return nil, nil, err
	}
	if err := in.Validate(); err != nil {
		return nil, nil, apperr.InvalidArgument(fieldFor(err), err.Error())
	}

	msg := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           in.Role,
		Content:        in.Content,
		Model:          strings.TrimSpace(in.Model),
		TokenCount:     in.TokenCount,
		CreatedAt:      s.now().UTC(),
	}

	conv, err := s.repo.AppendMessage(ctx, ownerID, msg)
	if err != nil {
		return nil, nil, s.storageError("append message", err)
	}
	metrics.MessagesPersistedTotal.WithLabelValues(msg.Role).Inc()
	return msg, conv, nil
}

// ListMessages returns the first messages of a conversation in order
func (s *Store) ListMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error) {
	limit = clampLimit(limit, s.limits.MessagesPage)
	messages, err := s.repo.ListMessages(ctx, ownerID, conversationID, limit)
	if err != nil {
		return nil, s.storageError("list messages", err)
	}
	return messages, nil
}

// RecentMessages returns the last limit messages in order; used to build
// assistant context.
func (s *Store) RecentMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error) {
	limit = clampLimit(limit, s.limits.MessagesPage)
	messages, err := s.repo.RecentMessages(ctx, ownerID, conversationID, limit)
	if err != nil {
		return nil, s.storageError("list recent messages", err)
	}
	return messages, nil
}

func (s *Store) storageError(op string, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return apperr.NotFound("conversation not found")
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	s.log.Error().Err(err).Str("op", op).Msg("Storage operation failed")
	return apperr.Persistence(op, err)
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

func fieldFor(err error) string {
	switch {
	case errors.Is(err, types.ErrInvalidRole):
		return "role"
	case errors.Is(err, types.ErrModelRequired), errors.Is(err, types.ErrModelNotAllowed):
		return "model"
	case errors.Is(err, types.ErrNegativeTokenCount):
		return "token_count"
	default:
		return ""
	}
}
