// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EvictSyncedBefore removes synced records of entityType last updated before
// cutoff. Pending, conflicted, errored and tombstoned rows carry local work
// and are never touched. Each eviction is audited; subscribers are notified
// when anything was removed. Returns the number of evicted records.
func (s *Store) EvictSyncedBefore(ctx context.Context, entityType string, cutoff time.Time) (int, error) {
	var evicted []evictedRow
	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		evicted, err = s.evictTx(ctx, tx, `
			SELECT entity_type, id FROM entity_records
			WHERE entity_type = ? AND sync_state = 'synced' AND deleted = 0 AND updated_at < ?
		`, entityType, formatTime(cutoff))
		return err
	})
	s.writeMu.Unlock()
	if err != nil {
		return 0, classifyStorageErr(err)
	}
	if len(evicted) > 0 {
		s.notify(entityType)
	}
	return len(evicted), nil
}

// EvictSyncedOldest removes up to limit synced records across all entity
// types, oldest first. Returns the number of evicted records per entity type;
// subscribers of each affected type are notified.
func (s *Store) EvictSyncedOldest(ctx context.Context, limit int) (map[string]int, error) {
	if limit <= 0 {
		return nil, nil
	}
	var evicted []evictedRow
	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		evicted, err = s.evictTx(ctx, tx, `
			SELECT entity_type, id FROM entity_records
			WHERE sync_state = 'synced' AND deleted = 0
			ORDER BY updated_at
			LIMIT ?
		`, limit)
		return err
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, classifyStorageErr(err)
	}

	counts := make(map[string]int)
	for _, row := range evicted {
		counts[row.entityType]++
	}
	for entityType := range counts {
		s.notify(entityType)
	}
	return counts, nil
}

type evictedRow struct {
	entityType string
	id         string
}

// evictTx deletes and audits the rows matched by selectSQL inside the
// caller's transaction.
func (s *Store) evictTx(ctx context.Context, tx *sql.Tx, selectSQL string, args ...any) ([]evictedRow, error) {
	rows, err := tx.QueryContext(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select evictable records: %w", err)
	}
	var out []evictedRow
	for rows.Next() {
		var row evictedRow
		if err := rows.Scan(&row.entityType, &row.id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan evictable record: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating evictable records: %w", err)
	}
	rows.Close()

	for _, row := range out {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entity_records WHERE entity_type = ? AND id = ?`, row.entityType, row.id); err != nil {
			return nil, fmt.Errorf("failed to evict record: %w", err)
		}
		if err := s.appendAudit(ctx, tx, row.entityType, row.id, "evict"); err != nil {
			return nil, err
		}
	}
	return out, nil
}
