package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/pkg/types"
)

const userColumns = `id, tier, status, daily_prompts, last_reset_date, total_prompts, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var u types.User
	var createdAt, updatedAt int64
	err := row.Scan(
		&u.ID,
		&u.Subscription.Tier,
		&u.Subscription.Status,
		&u.Usage.DailyPrompts,
		&u.Usage.LastResetDate,
		&u.Usage.TotalPrompts,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = fromUnix(createdAt)
	u.UpdatedAt = fromUnix(updatedAt)
	return &u, nil
}

// GetUser retrieves a user by ID
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// EnsureUser returns the user, creating a free-tier record on first sight.
func (m *Manager) EnsureUser(ctx context.Context, userID string) (*types.User, error) {
	user, err := m.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	err = m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		now := toUnix(time.Now())
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO users (id, tier, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, userID, types.TierFree, types.StatusInactive, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m.GetUser(ctx, userID)
}

// UpdateUser applies mutate to the stored user inside one write transaction.
// Because all writes are serialized, read-check-write sequences built on it
// are atomic.
func (m *Manager) UpdateUser(ctx context.Context, userID string, mutate func(*types.User) error) (*types.User, error) {
	var updated *types.User
	err := m.inTx(ctx, func(tx *sql.Tx) error {
		user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
		if err != nil {
			return err
		}

		if err := mutate(user); err != nil {
			return err
		}
		user.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET daily_prompts = ?, last_reset_date = ?, total_prompts = ?, updated_at = ?
			WHERE id = ?
		`,
			user.Usage.DailyPrompts,
			user.Usage.LastResetDate,
			user.Usage.TotalPrompts,
			toUnix(user.UpdatedAt),
			user.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update user usage: %w", err)
		}

		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetSubscription records the billing state of a user, creating the user if
// needed.
func (m *Manager) SetSubscription(ctx context.Context, userID string, sub types.Subscription) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		now := toUnix(time.Now())
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, tier, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET tier = excluded.tier, status = excluded.status, updated_at = excluded.updated_at
		`, userID, sub.Tier, sub.Status, now, now)
		if err != nil {
			return fmt.Errorf("failed to set subscription: %w", err)
		}
		return nil
	})
}
