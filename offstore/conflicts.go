// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Conflict keeps the remote side of a divergence so the resolution UI can
// show both the pending local payload (still in the mutation queue) and the
// remote one. Neither side is dropped until the user resolves it.
type Conflict struct {
	EntityType      string
	RecordID        string
	RemotePayload   json.RawMessage
	RemoteDeleted   bool
	RemoteUpdatedAt time.Time
	DetectedAt      time.Time
}

// StashConflict records the remote payload for a conflicted record and flips
// the record to the conflict state.
func (s *Store) StashConflict(ctx context.Context, c Conflict) error {
	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		deleted := 0
		if c.RemoteDeleted {
			deleted = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_conflicts (entity_type, record_id, remote_payload, remote_deleted, remote_updated_at, detected_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, record_id) DO UPDATE SET
				remote_payload = excluded.remote_payload,
				remote_deleted = excluded.remote_deleted,
				remote_updated_at = excluded.remote_updated_at,
				detected_at = excluded.detected_at
		`, c.EntityType, c.RecordID, nullablePayload(c.RemotePayload), deleted,
			formatTime(c.RemoteUpdatedAt), formatTime(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("failed to stash conflict: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
		`, string(StateConflict), c.EntityType, c.RecordID); err != nil {
			return fmt.Errorf("failed to flag conflicted record: %w", err)
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	s.notify(c.EntityType)
	return nil
}

// ConflictFor returns the stashed conflict for (entityType, id), or nil.
func (s *Store) ConflictFor(ctx context.Context, entityType, id string) (*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, record_id, remote_payload, remote_deleted, remote_updated_at, detected_at
		FROM sync_conflicts WHERE entity_type = ? AND record_id = ?
	`, entityType, id)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to query conflict: %w", err))
	}
	defer rows.Close()
	conflicts, err := scanConflicts(rows)
	if err != nil || len(conflicts) == 0 {
		return nil, err
	}
	return &conflicts[0], nil
}

// Conflicts returns all stashed conflicts in detection order.
func (s *Store) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, record_id, remote_payload, remote_deleted, remote_updated_at, detected_at
		FROM sync_conflicts ORDER BY rowid
	`)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to query conflicts: %w", err))
	}
	defer rows.Close()
	return scanConflicts(rows)
}

// ClearConflict drops the stashed remote payload once a conflict has been
// resolved.
func (s *Store) ClearConflict(ctx context.Context, entityType, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_conflicts WHERE entity_type = ? AND record_id = ?
	`, entityType, id)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("failed to clear conflict: %w", err))
	}
	return nil
}

func nullablePayload(p json.RawMessage) any {
	if p == nil {
		return nil
	}
	return string(p)
}

func scanConflicts(rows *sql.Rows) ([]Conflict, error) {
	var out []Conflict
	for rows.Next() {
		var c Conflict
		var payload sql.NullString
		var deleted int
		var remoteAt, detectedAt string
		if err := rows.Scan(&c.EntityType, &c.RecordID, &payload, &deleted, &remoteAt, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if payload.Valid {
			c.RemotePayload = json.RawMessage(payload.String)
		}
		c.RemoteDeleted = deleted != 0
		ts, err := parseTime(remoteAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conflict timestamp: %w", err)
		}
		c.RemoteUpdatedAt = ts
		ts, err = parseTime(detectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse conflict timestamp: %w", err)
		}
		c.DetectedAt = ts
		out = append(out, c)
	}
	return out, rows.Err()
}
