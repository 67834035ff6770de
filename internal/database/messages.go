package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"chatrelay/pkg/types"
)

const messageColumns = `id, conversation_id, seq, role, content, model, token_count, created_at`

// AppendMessage stores msg and recomputes the parent conversation's derived
// fields in the same transaction. msg.CreatedAt is raised to the latest
// existing message time when the clock went backwards, and msg.Sequence is
// assigned, so (created_at, seq) is a strict total order per conversation.
func (m *Manager) AppendMessage(ctx context.Context, ownerID string, msg *types.Message) (*types.Conversation, error) {
	var updated *types.Conversation
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		conv, err := getConversation(ctx, tx, ownerID, msg.ConversationID)
		if err != nil {
			return err
		}

		var maxSeq, lastCreated, userMessages int64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0),
			       COALESCE(MAX(created_at), 0),
			       COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0)
			FROM messages
			WHERE conversation_id = ?
		`, msg.ConversationID).Scan(&maxSeq, &lastCreated, &userMessages)
		if err != nil {
			return fmt.Errorf("failed to read message order: %w", err)
		}

		createdAt := toUnix(msg.CreatedAt)
		if createdAt < lastCreated {
			createdAt = lastCreated
		}
		msg.CreatedAt = fromUnix(createdAt)
		msg.Sequence = maxSeq + 1

		var model interface{}
		if msg.Role == types.RoleAssistant {
			model = msg.Model
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID,
			msg.ConversationID,
			msg.Sequence,
			msg.Role,
			msg.Content,
			model,
			msg.TokenCount,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		title := conv.Title
		if msg.Role == types.RoleUser && userMessages == 0 && conv.Title == types.DefaultConversationTitle {
			title = types.DeriveTitle(msg.Content)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET message_count    = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?1),
			    total_tokens     = (SELECT COALESCE(SUM(token_count), 0) FROM messages WHERE conversation_id = ?1),
			    last_activity_at = MAX(created_at, (SELECT MAX(created_at) FROM messages WHERE conversation_id = ?1)),
			    title            = ?2,
			    updated_at       = ?3
			WHERE id = ?1
		`, msg.ConversationID, title, toUnix(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to update conversation metadata: %w", err)
		}

		updated, err = getConversation(ctx, tx, ownerID, msg.ConversationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListMessages returns up to limit messages from the start of the
// conversation in (created_at, seq) order.
func (m *Manager) ListMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error) {
	return m.readMessages(ctx, ownerID, conversationID, "ASC", limit)
}

// RecentMessages returns the last limit messages in ascending order.
func (m *Manager) RecentMessages(ctx context.Context, ownerID, conversationID string, limit int) ([]*types.Message, error) {
	return m.readMessages(ctx, ownerID, conversationID, "DESC", limit)
}

// readMessages selects a page of messages and checks ownership in one
// statement. The conversation row drives the join, so a missing or foreign
// conversation yields no rows (ErrNotFound) and an empty one yields a single
// row with NULL message columns. pick orders the page before it is cut to
// limit; the result is always ascending.
func (m *Manager) readMessages(ctx context.Context, ownerID, conversationID, pick string, limit int) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT c.id, m.id, m.conversation_id, m.seq, m.role, m.content, m.model, m.token_count, m.created_at
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id AND m.id IN (
			SELECT id FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at `+pick+`, seq `+pick+`
			LIMIT ?
		)
		WHERE c.id = ? AND c.owner_id = ?
		ORDER BY m.created_at ASC, m.seq ASC
	`, limit, conversationID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	owned := false
	messages := make([]*types.Message, 0)
	for rows.Next() {
		owned = true
		msg, err := scanOwnedMessage(rows)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	if !owned {
		return nil, ErrNotFound
	}

	return messages, nil
}

// scanOwnedMessage reads one readMessages row; it returns nil for the
// placeholder row of a conversation without messages.
func scanOwnedMessage(row rowScanner) (*types.Message, error) {
	var (
		conversation  string
		id, convID    sql.NullString
		role, content sql.NullString
		model         sql.NullString
		seq, tokens   sql.NullInt64
		createdAt     sql.NullInt64
	)
	if err := row.Scan(&conversation, &id, &convID, &seq, &role, &content, &model, &tokens, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &types.Message{
		ID:             id.String,
		ConversationID: convID.String,
		Sequence:       seq.Int64,
		Role:           role.String,
		Content:        content.String,
		Model:          model.String,
		TokenCount:     int(tokens.Int64),
		CreatedAt:      fromUnix(createdAt.Int64),
	}, nil
}
