package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// Driver is only referenced through the connection string
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
)

var (
	_ interfaces.UserRepository         = (*Manager)(nil)
	_ interfaces.ConversationRepository = (*Manager)(nil)
)

// Manager owns the SQLite handle. Reads run concurrently on the pool; every
// write goes through a single writer goroutine so writes are serialized.
// Failed writes are reported to the caller and never retried here.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          zerolog.Logger
	writeChannel chan writeOperation // Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // Protects closed
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine. Schema
// migrations are applied separately through pkg/database.
func NewManager(config *dbconfig.Config, log zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if err != nil {
				m.log.Debug().Err(err).Msg("Database write failed")
			}
			op.result <- err

		case <-m.shutdown:
			// Answer everything still queued so no caller blocks forever
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrManagerClosed
				default:
					m.log.Info().Msg("Database write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for completion. The read
// lock is held while enqueueing so Close cannot slip in between the closed
// check and the send.
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
		m.mu.RUnlock()
	case <-timer.C:
		m.mu.RUnlock()
		return ErrWriteTimeout
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}

	return <-result
}

// inTx runs fn inside a transaction on the writer goroutine.
func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }() // Always rollback unless commit succeeds

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrency
		"PRAGMA synchronous = NORMAL", // Balance safety and performance
		"PRAGMA cache_size = -64000",  // 64MB cache
		"PRAGMA temp_store = MEMORY",  // Use memory for temporary tables
		"PRAGMA foreign_keys = ON",    // Ensure referential integrity
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}

// Times are stored as unix nanoseconds so ordering is exact.
func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
