// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Cursor is the per-entity-type incremental pull watermark. A zero Cursor
// means "never synced" and requests the full history.
type Cursor struct {
	LastSyncedAt  time.Time
	LastSyncToken string
}

// Cursor returns the stored watermark for entityType.
func (s *Store) Cursor(ctx context.Context, entityType string) (Cursor, error) {
	var at, token string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_synced_at, last_sync_token FROM sync_cursors WHERE entity_type = ?
	`, entityType).Scan(&at, &token)
	if err == sql.ErrNoRows {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, classifyStorageErr(fmt.Errorf("failed to get sync cursor: %w", err))
	}
	ts, err := parseTime(at)
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to parse cursor timestamp: %w", err)
	}
	return Cursor{LastSyncedAt: ts, LastSyncToken: token}, nil
}

// SetCursor advances the watermark for entityType. Callers advance it only
// after a full page of remote changes has been applied.
func (s *Store) SetCursor(ctx context.Context, entityType string, c Cursor) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (entity_type, last_synced_at, last_sync_token)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			last_synced_at = excluded.last_synced_at,
			last_sync_token = excluded.last_sync_token
	`, entityType, formatTime(c.LastSyncedAt), c.LastSyncToken)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("failed to set sync cursor: %w", err))
	}
	return nil
}
