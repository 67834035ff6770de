package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/pkg/types"
)

const conversationColumns = `id, owner_id, title, model, message_count, total_tokens, last_activity_at, archived, created_at, updated_at`

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var c types.Conversation
	var lastActivity, createdAt, updatedAt int64
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Title,
		&c.Model,
		&c.Metadata.MessageCount,
		&c.Metadata.TotalTokens,
		&lastActivity,
		&c.Archived,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	c.Metadata.LastActivityAt = fromUnix(lastActivity)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	return &c, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getConversation(ctx context.Context, q queryRower, ownerID, conversationID string) (*types.Conversation, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID, ownerID)
	return scanConversation(row)
}

// CreateConversation inserts a new conversation
func (m *Manager) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO conversations (id, owner_id, title, model, message_count, total_tokens, last_activity_at, archived, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			conv.ID,
			conv.OwnerID,
			conv.Title,
			conv.Model,
			conv.Metadata.MessageCount,
			conv.Metadata.TotalTokens,
			toUnix(conv.Metadata.LastActivityAt),
			conv.Archived,
			toUnix(conv.CreatedAt),
			toUnix(conv.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		return nil
	})
}

// GetConversation retrieves a conversation owned by ownerID
func (m *Manager) GetConversation(ctx context.Context, ownerID, conversationID string) (*types.Conversation, error) {
	return getConversation(ctx, m.db, ownerID, conversationID)
}

// ConversationExists reports ownership without loading the row.
func (m *Manager) ConversationExists(ctx context.Context, ownerID, conversationID string) error {
	return conversationExists(ctx, m.db, ownerID, conversationID)
}

func conversationExists(ctx context.Context, q queryRower, ownerID, conversationID string) error {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE id = ? AND owner_id = ?`,
		conversationID, ownerID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to query conversation: %w", err)
	}
	return nil
}

// ListConversations returns the owner's most recently active conversations
func (m *Manager) ListConversations(ctx context.Context, ownerID string, limit int) ([]*types.Conversation, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ?
		ORDER BY last_activity_at DESC, created_at DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]*types.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	return conversations, nil
}

// UpdateConversation applies the non-nil fields of update
func (m *Manager) UpdateConversation(ctx context.Context, ownerID, conversationID string, update types.ConversationUpdate, now time.Time) (*types.Conversation, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{toUnix(now)}
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *update.Model)
	}
	if update.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, *update.Archived)
	}
	args = append(args, conversationID, ownerID)

	var updated *types.Conversation
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ? AND owner_id = ?`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		} else if n == 0 {
			return ErrNotFound
		}

		updated, err = getConversation(ctx, tx, ownerID, conversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteConversation removes the conversation and all of its messages in
// one transaction.
func (m *Manager) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM messages
			WHERE conversation_id IN (SELECT id FROM conversations WHERE id = ? AND owner_id = ?)
		`, conversationID, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = ? AND owner_id = ?`,
			conversationID, ownerID)
		if err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
