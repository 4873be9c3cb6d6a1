// Package database provides SQLite database helpers with WAL mode.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/chapterhq/chapterd/database/sqliteconfig"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// New creates a new Database at path and applies the chapterd schema.
// Use ":memory:" for tests.
func New(path string) (*Database, error) {
	cfg := sqliteconfig.Default(path)
	if path == ":memory:" {
		cfg = sqliteconfig.Memory()
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("path", path).Msg("Creating new database")
	}
	return NewWithConfig(cfg, Schema())
}

// NewWithConfig creates a new Database with custom configuration.
func NewWithConfig(cfg *sqliteconfig.Config, schema string) (*Database, error) {
	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Msg("Opening SQLite database")

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: single connection model
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	if schema != "" {
		s := &squibble.Schema{Current: schema}
		if err := s.Apply(context.Background(), db.DB); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
		}
	}

	log.Info().
		Str("path", cfg.Path).
		Msg("Database opened successfully")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// WithTx executes a function within a database transaction.
func (d *Database) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Schema returns the chapterd schema, applied (and migrated) by squibble.
//
// The partial unique index on impersonation_sessions is the storage-level
// enforcement of the single-active-session invariant: at most one row per
// admin with a null ended_at can exist, so a racing second insert fails
// instead of producing two live sessions.
func Schema() string {
	return `
-- Role directory: hierarchy_level gates impersonation eligibility
CREATE TABLE IF NOT EXISTS roles (
    name TEXT PRIMARY KEY,
    hierarchy_level INTEGER NOT NULL DEFAULT 1
);

-- Member/user directory
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    profile_pic_url TEXT NOT NULL DEFAULT '',
    provider_identifier TEXT UNIQUE,
    role TEXT NOT NULL DEFAULT 'member' REFERENCES roles(name),
    chapter TEXT NOT NULL DEFAULT '',
    last_login DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_provider_identifier ON users(provider_identifier);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

-- Impersonation sessions: ended rows are terminal, never updated again
CREATE TABLE IF NOT EXISTS impersonation_sessions (
    id TEXT PRIMARY KEY,
    admin_id TEXT NOT NULL REFERENCES users(id),
    target_id TEXT NOT NULL REFERENCES users(id),
    started_at DATETIME NOT NULL,
    ended_at DATETIME,
    end_reason TEXT CHECK (end_reason IN ('manual', 'timeout', 'new_session', 'logout')),
    reason TEXT,
    timeout_minutes INTEGER NOT NULL,
    duration_minutes INTEGER
);

-- At most one active session per admin
CREATE UNIQUE INDEX IF NOT EXISTS idx_impersonation_sessions_active
    ON impersonation_sessions(admin_id) WHERE ended_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_impersonation_sessions_started
    ON impersonation_sessions(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_impersonation_sessions_admin_target
    ON impersonation_sessions(admin_id, target_id);

-- Append-only action log attributed to impersonation sessions
CREATE TABLE IF NOT EXISTS impersonation_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES impersonation_sessions(id),
    executed_at DATETIME NOT NULL,
    action_type TEXT NOT NULL CHECK (action_type IN ('create', 'update', 'delete')),
    table_name TEXT NOT NULL,
    record_id TEXT NOT NULL,
    payload_summary TEXT
);

CREATE INDEX IF NOT EXISTS idx_impersonation_actions_session
    ON impersonation_actions(session_id, executed_at);
`
}
