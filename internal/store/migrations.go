package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	version int
	upSQL   string
}

var migrations = []migration{
	{
		version: 1,
		upSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	host_name TEXT NOT NULL DEFAULT '',
	lifecycle TEXT NOT NULL DEFAULT 'pending' CHECK(lifecycle IN ('pending','active','ended')),
	current_game_number INTEGER NOT NULL DEFAULT 1,
	current_win_pattern TEXT NOT NULL DEFAULT '',
	called_numbers TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE TABLE IF NOT EXISTS claims (
	claim_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	player_id TEXT NOT NULL,
	player_name TEXT NOT NULL DEFAULT '',
	ticket_id TEXT NOT NULL,
	win_pattern TEXT NOT NULL,
	game_number INTEGER NOT NULL,
	called_count INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','validated','rejected')),
	submitted_at TEXT NOT NULL,
	resolved_at TEXT,
	FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_claims_session_status ON claims(session_id, status);
`,
	},
}

// Migrate applies any pending schema migrations in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
