// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// auditCap bounds the audit trail; the oldest entries are evicted first.
const auditCap = 500

// AuditEntry records one committed cache write.
type AuditEntry struct {
	Seq        int64
	EntityType string
	RecordID   string
	Op         string
	At         time.Time
}

// appendAudit writes an audit entry inside the caller's transaction and trims
// the trail back to auditCap.
func (s *Store) appendAudit(ctx context.Context, tx *sql.Tx, entityType, id, op string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (entity_type, record_id, op, at) VALUES (?, ?, ?, ?)
	`, entityType, id, op, formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM audit_log
		WHERE seq <= (SELECT MAX(seq) FROM audit_log) - ?
	`, auditCap); err != nil {
		return fmt.Errorf("failed to trim audit trail: %w", err)
	}
	return nil
}

// AuditTrail returns up to limit entries, newest first.
func (s *Store) AuditTrail(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > auditCap {
		limit = auditCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity_type, record_id, op, at
		FROM audit_log ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to query audit trail: %w", err))
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		if err := rows.Scan(&e.Seq, &e.EntityType, &e.RecordID, &e.Op, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		ts, err := parseTime(at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		e.At = ts
		out = append(out, e)
	}
	return out, rows.Err()
}
