// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offstore provides the durable, tenant-scoped entity cache that the
// rest of go-offcache is built on: a table of cached entity records with
// tombstones and per-record sync state, a coalesced queue of pending local
// mutations, a capped audit trail, and a small device-local settings table.
//
// One Store corresponds to one SQLite database file and one tenant (school).
// UI reads always go through the Store; UI writes go through the Store and
// the Queue together so that local intent survives restarts.
package offstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SyncState describes how a cached record relates to the remote service.
type SyncState string

const (
	StateSynced   SyncState = "synced"
	StatePending  SyncState = "pending"
	StateConflict SyncState = "conflict"
	StateError    SyncState = "error"
)

// Origin distinguishes the local-write path (user edits) from the sync path
// (authoritative server state). It controls the sync state a write lands with.
type Origin int

const (
	// OriginLocal marks a write made by the application user; the record
	// becomes pending until the corresponding mutation is acknowledged.
	OriginLocal Origin = iota
	// OriginSync marks a write applied from the remote service; the record
	// is authoritative and lands as synced.
	OriginSync
)

// Record is a cached server entity. Payload is opaque to the cache layer.
type Record struct {
	ID         string
	SchoolID   string
	EntityType string
	Payload    json.RawMessage
	UpdatedAt  time.Time
	SyncState  SyncState
	Deleted    bool
}

// Store is the tenant-scoped local cache. All methods are safe for use from
// multiple goroutines; writes are serialized with an internal mutex to avoid
// SQLite locking issues (same approach as a single-writer mobile client).
type Store struct {
	db       *sql.DB
	schoolID string
	logger   *slog.Logger
	writeMu  sync.Mutex

	subMu   sync.RWMutex
	subs    map[string]map[int]func()
	nextSub int
}

// Open initializes the cache schema on db and returns a Store scoped to
// schoolID. The schema is created if missing, so Open is safe to call on
// every app start.
func Open(db *sql.DB, schoolID string, logger *slog.Logger) (*Store, error) {
	if schoolID == "" {
		return nil, fmt.Errorf("schoolID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{
		db:       db,
		schoolID: schoolID,
		logger:   logger,
		subs:     make(map[string]map[int]func()),
	}, nil
}

// SchoolID returns the tenant this store is scoped to.
func (s *Store) SchoolID() string { return s.schoolID }

// DB exposes the underlying handle for sibling components (queue, cursors)
// that share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the cached record for (entityType, id), or nil if it is not
// cached or has been tombstoned.
func (s *Store) Get(ctx context.Context, entityType, id string) (*Record, error) {
	rec, err := s.getAny(ctx, entityType, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, nil
	}
	return rec, nil
}

// getAny returns the record including tombstones.
func (s *Store) getAny(ctx context.Context, entityType, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, school_id, entity_type, payload, updated_at, sync_state, deleted
		FROM entity_records WHERE entity_type = ? AND id = ?
	`, entityType, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to get record: %w", err))
	}
	return rec, nil
}

// List returns a snapshot of all live (non-tombstoned) records of entityType
// in insertion order. predicate may be nil to return everything.
func (s *Store) List(ctx context.Context, entityType string, predicate func(*Record) bool) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, school_id, entity_type, payload, updated_at, sync_state, deleted
		FROM entity_records
		WHERE entity_type = ? AND deleted = 0
		ORDER BY rowid
	`, entityType)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to list records: %w", err))
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if predicate == nil || predicate(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyStorageErr(fmt.Errorf("error iterating records: %w", err))
	}
	return out, nil
}

// Put upserts rec. A local-origin put marks the record pending (the caller is
// expected to enqueue a matching mutation); a sync-origin put marks it synced
// and clears any tombstone. UpdatedAt is bumped unless the caller supplied a
// non-zero value (sync-origin writes carry the server timestamp).
func (s *Store) Put(ctx context.Context, rec *Record, origin Origin) error {
	if rec.EntityType == "" || rec.ID == "" {
		return fmt.Errorf("record must have entity type and id")
	}
	state := StatePending
	if origin == OriginSync {
		state = StateSynced
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_records (entity_type, id, school_id, payload, updated_at, sync_state, deleted)
			VALUES (?, ?, ?, ?, ?, ?, 0)
			ON CONFLICT(entity_type, id) DO UPDATE SET
				payload = excluded.payload,
				updated_at = excluded.updated_at,
				sync_state = excluded.sync_state,
				deleted = 0
		`, rec.EntityType, rec.ID, s.schoolID, string(rec.Payload), formatTime(updatedAt), string(state))
		if err != nil {
			return fmt.Errorf("failed to upsert record: %w", err)
		}
		return s.appendAudit(ctx, tx, rec.EntityType, rec.ID, "put")
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}

	rec.SchoolID = s.schoolID
	rec.UpdatedAt = updatedAt
	rec.SyncState = state
	rec.Deleted = false
	s.notify(rec.EntityType)
	return nil
}

// Remove deletes a record. On the local-write path the record is tombstoned
// (kept with deleted=1, pending) until the remote acknowledges the delete; on
// the sync path the row is purged outright. Removing a record that is not
// cached is a no-op.
func (s *Store) Remove(ctx context.Context, entityType, id string, origin Origin) error {
	if origin == OriginSync {
		return s.purge(ctx, entityType, id, true)
	}

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entity_records
			SET deleted = 1, sync_state = ?, updated_at = ?
			WHERE entity_type = ? AND id = ?
		`, string(StatePending), formatTime(time.Now().UTC()), entityType, id)
		if err != nil {
			return fmt.Errorf("failed to tombstone record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return s.appendAudit(ctx, tx, entityType, id, "remove")
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	s.notify(entityType)
	return nil
}

// Purge hard-deletes the row for (entityType, id), tombstone or not. Used
// after a remote delete is acknowledged and when a never-synced create is
// cancelled by a local delete.
func (s *Store) Purge(ctx context.Context, entityType, id string) error {
	return s.purge(ctx, entityType, id, true)
}

func (s *Store) purge(ctx context.Context, entityType, id string, audit bool) error {
	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entity_records WHERE entity_type = ? AND id = ?`, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to purge record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 || !audit {
			return nil
		}
		return s.appendAudit(ctx, tx, entityType, id, "purge")
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	s.notify(entityType)
	return nil
}

// SetSyncState flips the sync state of an existing record without touching
// its payload or timestamp.
func (s *Store) SetSyncState(ctx context.Context, entityType, id string, state SyncState) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
	`, string(state), entityType, id)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("failed to set sync state: %w", err))
	}
	return nil
}

// CountByState returns the number of cached records per sync state across all
// entity types, consumed by the status UI.
func (s *Store) CountByState(ctx context.Context) (map[SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM entity_records GROUP BY sync_state`)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to count records: %w", err))
	}
	defer rows.Close()

	counts := make(map[SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[SyncState(state)] = n
	}
	return counts, rows.Err()
}

// inTx runs fn inside a transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload sql.NullString
	var updatedAt, state string
	var deleted int
	if err := row.Scan(&rec.ID, &rec.SchoolID, &rec.EntityType, &payload, &updatedAt, &state, &deleted); err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	ts, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	rec.UpdatedAt = ts
	rec.SyncState = SyncState(state)
	rec.Deleted = deleted != 0
	return &rec, nil
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }
