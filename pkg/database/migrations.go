package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	iofs "github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable tracks the applied schema version.
const MigrationsTable = "schema_migrations"

// MigrationManager applies the SQL migrations bundled with the binary.
type MigrationManager struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, log zerolog.Logger) *MigrationManager {
	return &MigrationManager{
		db:  db,
		log: log.With().Str("component", "migrations").Logger(),
	}
}

func (m *MigrationManager) migrator() (*migrate.Migrate, error) {
	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite3 driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}

// ApplyMigrations applies all pending migrations.
// The migrator is never closed: the sqlite3 driver would close the shared
// *sql.DB, which belongs to the caller.
func (m *MigrationManager) ApplyMigrations() error {
	migrator, err := m.migrator()
	if err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		m.log.Info().Msg("No migrations have been applied yet")
	case err != nil:
		return fmt.Errorf("read migration version: %w", err)
	default:
		m.log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current migration state")
	}

	if dirty {
		return fmt.Errorf("database schema is dirty at version %d", version)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.log.Info().Msg("No new migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	if finalVersion, _, err := migrator.Version(); err == nil {
		m.log.Info().Uint("version", finalVersion).Msg("Migrations applied successfully")
	}
	return nil
}

// Version returns the currently applied schema version.
func (m *MigrationManager) Version() (uint, error) {
	migrator, err := m.migrator()
	if err != nil {
		return 0, err
	}
	version, _, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}
