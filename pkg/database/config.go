package database

import (
	"errors"
	"fmt"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `yaml:"database_path" env:"PATH"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
	// WriteTimeout bounds how long a caller waits for the single writer to
	// pick up its operation.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// DefaultConfig returns production-ready database configuration.
// SQLite serves concurrent reads well with a small pool; writes are
// serialized by the Manager regardless of pool size.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/chatrelay.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

// DSN builds the go-sqlite3 connection string with WAL and foreign keys on.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate",
		c.DatabasePath, c.BusyTimeout.Milliseconds())
}
