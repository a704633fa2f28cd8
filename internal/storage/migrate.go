package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// currentSchemaVersion is the version this build writes.
const currentSchemaVersion = 2

// migrations[i] upgrades the schema from version i to i+1. Applied
// sequentially inside one transaction on open.
var migrations = []func(tx *sql.Tx) error{
	// v0 -> v1: base schema.
	func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				tool_call_id TEXT NOT NULL DEFAULT '',
				tool_calls TEXT,
				tokens INTEGER NOT NULL DEFAULT 0,
				timestamp TEXT NOT NULL,
				in_context INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE IF NOT EXISTS metadata (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS session_markers (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				session_type TEXT NOT NULL DEFAULT '',
				session_status TEXT NOT NULL DEFAULT '',
				parent_agent_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				message_id INTEGER NOT NULL REFERENCES messages(id),
				event_type TEXT NOT NULL,
				data TEXT,
				timestamp TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_in_context ON messages(in_context)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role)`,
			`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
			`CREATE INDEX IF NOT EXISTS idx_events_message ON events(message_id)`,
			`CREATE INDEX IF NOT EXISTS idx_markers_status ON session_markers(session_status)`,
			`CREATE INDEX IF NOT EXISTS idx_markers_type ON session_markers(session_type)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	},
	// v1 -> v2: compaction tracking.
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`ALTER TABLE messages ADD COLUMN summary_of TEXT`)
		return err
	},
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	version := 0
	err = tx.QueryRow(`SELECT version FROM schema_version`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read schema version: %w", err)
	}
	hadRow := err == nil

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		if err := migrations[v](tx); err != nil {
			return fmt.Errorf("migration %d -> %d: %w", v, v+1, err)
		}
		s.logger.Debug("applied schema migration", "from", v, "to", v+1)
	}

	if hadRow {
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, currentSchemaVersion); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return err
		}
	}
	return tx.Commit()
}
