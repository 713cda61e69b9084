// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"database/sql"
	"fmt"
)

// initializeDatabase creates the cache tables and enables the pragmas the
// cache relies on. Idempotent.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Cached server entities, one row per (entity_type, id). Tombstoned
		// rows keep deleted=1 until the remote acknowledges the delete.
		`CREATE TABLE IF NOT EXISTS entity_records (
			entity_type  TEXT NOT NULL,
			id           TEXT NOT NULL,
			school_id    TEXT NOT NULL,
			payload      TEXT,
			updated_at   TEXT NOT NULL,
			sync_state   TEXT NOT NULL DEFAULT 'synced'
			             CHECK (sync_state IN ('synced','pending','conflict','error')),
			deleted      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, id)
		)`,

		// Pending local mutations, coalesced to one live row per record. The
		// primary key is the coalescing invariant.
		`CREATE TABLE IF NOT EXISTS mutation_queue (
			entity_type  TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			mutation_id  TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload      TEXT,
			created_at   TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			parked       INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, record_id)
		)`,

		// Capped audit trail of committed writes, for the troubleshooting UI.
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL,
			record_id    TEXT NOT NULL,
			op           TEXT NOT NULL,
			at           TEXT NOT NULL
		)`,

		// Device-local settings; a whitelisted subset rides along in cache
		// snapshots.
		`CREATE TABLE IF NOT EXISTS local_settings (
			key    TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		)`,

		// Per-entity-type incremental pull watermark.
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			entity_type      TEXT PRIMARY KEY,
			last_synced_at   TEXT NOT NULL,
			last_sync_token  TEXT NOT NULL DEFAULT ''
		)`,

		// Remote side of flagged conflicts, kept so the resolution UI can show
		// both payloads.
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			entity_type       TEXT NOT NULL,
			record_id         TEXT NOT NULL,
			remote_payload    TEXT,
			remote_deleted    INTEGER NOT NULL DEFAULT 0,
			remote_updated_at TEXT NOT NULL,
			detected_at       TEXT NOT NULL,
			PRIMARY KEY (entity_type, record_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return classifyStorageErr(fmt.Errorf("failed to create cache table: %w", err))
		}
	}
	return nil
}
