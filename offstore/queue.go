// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Operation is a pending local write kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// DefaultRetryCeiling is the number of transient failures after which a
// mutation is parked and its record flagged as errored, requiring an explicit
// user-triggered retry.
const DefaultRetryCeiling = 5

// Mutation is one not-yet-acknowledged local write. At most one live mutation
// exists per (EntityType, RecordID); later local writes coalesce into it.
type Mutation struct {
	MutationID string
	EntityType string
	RecordID   string
	Operation  Operation
	Payload    json.RawMessage // nil for delete
	CreatedAt  time.Time
	Attempts   int
	LastError  string
	Parked     bool
}

// QueueCounts aggregates queue totals for the status UI.
type QueueCounts struct {
	Pending int // live mutations awaiting upload
	Failed  int // parked mutations that hit the retry ceiling
}

// Queue is the durable log of local intent, stored next to the entity cache
// in the same database.
type Queue struct {
	store   *Store
	ceiling int
	logger  *slog.Logger
}

// NewQueue returns a Queue over the store's database. retryCeiling <= 0
// selects DefaultRetryCeiling.
func NewQueue(store *Store, retryCeiling int, logger *slog.Logger) *Queue {
	if retryCeiling <= 0 {
		retryCeiling = DefaultRetryCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, ceiling: retryCeiling, logger: logger}
}

// Enqueue records local intent for (entityType, id), coalescing with any
// existing mutation for the same record:
//
//	create + update -> create (new payload)
//	update + update -> update (new payload)
//	delete + create -> update (record still exists remotely)
//	*      + delete -> delete
//	create + delete -> both the mutation and the local record vanish
//
// The coalesced mutation keeps its original queue position so FIFO ordering
// reflects first intent, but gets a fresh mutation id so an acknowledgement
// of the upload it superseded cannot claim it.
func (q *Queue) Enqueue(ctx context.Context, entityType, id string, op Operation, payload json.RawMessage) error {
	s := q.store
	var cancelled bool

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingOp string
		err := tx.QueryRowContext(ctx, `
			SELECT op FROM mutation_queue WHERE entity_type = ? AND record_id = ?
		`, entityType, id).Scan(&existingOp)
		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO mutation_queue (entity_type, record_id, mutation_id, op, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, entityType, id, uuid.New().String(), string(op), payloadArg(op, payload), formatTime(time.Now().UTC()))
			if err != nil {
				return fmt.Errorf("failed to enqueue mutation: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to check existing mutation: %w", err)
		}

		merged := coalesce(Operation(existingOp), op)
		if merged == "" {
			// create cancelled by delete: the record never existed remotely.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM mutation_queue WHERE entity_type = ? AND record_id = ?
			`, entityType, id); err != nil {
				return fmt.Errorf("failed to drop cancelled mutation: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM entity_records WHERE entity_type = ? AND id = ?
			`, entityType, id); err != nil {
				return fmt.Errorf("failed to purge cancelled record: %w", err)
			}
			cancelled = true
			return s.appendAudit(ctx, tx, entityType, id, "purge")
		}

		// Latest intent survives under a fresh mutation id; attempts restart
		// because the upload content changed, and an ack for the superseded
		// upload (possibly in flight right now) must not claim this edit.
		_, err = tx.ExecContext(ctx, `
			UPDATE mutation_queue
			SET mutation_id = ?, op = ?, payload = ?, attempts = 0, last_error = NULL, parked = 0
			WHERE entity_type = ? AND record_id = ?
		`, uuid.New().String(), string(merged), payloadArg(merged, payload), entityType, id)
		if err != nil {
			return fmt.Errorf("failed to coalesce mutation: %w", err)
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	if cancelled {
		s.notify(entityType)
	}
	return nil
}

// coalesce merges a new operation into an existing one. Empty result means
// both the mutation and the record should be dropped.
func coalesce(existing, next Operation) Operation {
	switch {
	case next == OpDelete && existing == OpCreate:
		return ""
	case next == OpDelete:
		return OpDelete
	case existing == OpCreate:
		return OpCreate
	case existing == OpDelete:
		// Record was re-created locally after a queued delete; remotely it
		// still exists, so the net intent is an update.
		return OpUpdate
	default:
		return OpUpdate
	}
}

func payloadArg(op Operation, payload json.RawMessage) any {
	if op == OpDelete || payload == nil {
		return nil
	}
	return string(payload)
}

// DequeueBatch returns up to maxCount live (non-parked) mutations in FIFO
// order. Coalescing keeps at most one mutation per record, so dependent
// operations on the same record can never straddle batches out of order.
// Mutations whose record is flagged as conflicted are held back until the
// conflict is resolved.
func (q *Queue) DequeueBatch(ctx context.Context, maxCount int) ([]Mutation, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT m.mutation_id, m.entity_type, m.record_id, m.op, m.payload, m.created_at, m.attempts, m.last_error, m.parked
		FROM mutation_queue m
		WHERE m.parked = 0
		  AND NOT EXISTS (
			SELECT 1 FROM entity_records r
			WHERE r.entity_type = m.entity_type AND r.id = m.record_id
			  AND r.sync_state = 'conflict'
		  )
		ORDER BY m.rowid
		LIMIT ?
	`, maxCount)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to query mutation queue: %w", err))
	}
	defer rows.Close()
	return scanMutations(rows)
}

// PendingFor returns the live mutation for (entityType, id), or nil.
func (q *Queue) PendingFor(ctx context.Context, entityType, id string) (*Mutation, error) {
	rows, err := q.store.db.QueryContext(ctx, `
		SELECT mutation_id, entity_type, record_id, op, payload, created_at, attempts, last_error, parked
		FROM mutation_queue WHERE entity_type = ? AND record_id = ?
	`, entityType, id)
	if err != nil {
		return nil, classifyStorageErr(fmt.Errorf("failed to query mutation: %w", err))
	}
	defer rows.Close()
	muts, err := scanMutations(rows)
	if err != nil || len(muts) == 0 {
		return nil, err
	}
	return &muts[0], nil
}

// MarkAcknowledged removes the mutation after the remote confirmed it and
// flips the record to synced (or purges the tombstone for deletes).
// Idempotent: a second call for the same mutation id is a no-op.
func (q *Queue) MarkAcknowledged(ctx context.Context, mutationID string) error {
	s := q.store
	var entityType string
	var notify bool

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var recordID, op string
		err := tx.QueryRowContext(ctx, `
			SELECT entity_type, record_id, op FROM mutation_queue WHERE mutation_id = ?
		`, mutationID).Scan(&entityType, &recordID, &op)
		if err == sql.ErrNoRows {
			return nil // already acknowledged
		}
		if err != nil {
			return fmt.Errorf("failed to look up mutation: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mutation_queue WHERE mutation_id = ?`, mutationID); err != nil {
			return fmt.Errorf("failed to remove acknowledged mutation: %w", err)
		}

		if Operation(op) == OpDelete {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM entity_records WHERE entity_type = ? AND id = ?
			`, entityType, recordID); err != nil {
				return fmt.Errorf("failed to purge acknowledged tombstone: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
			`, string(StateSynced), entityType, recordID); err != nil {
				return fmt.Errorf("failed to mark record synced: %w", err)
			}
		}
		notify = true
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	if notify {
		s.notify(entityType)
	}
	return nil
}

// MarkFailed records a transient failure. Once attempts reach the retry
// ceiling the mutation is parked and its record flagged as errored; automatic
// retry stops until RetryErrored is called.
func (q *Queue) MarkFailed(ctx context.Context, mutationID string, cause error) error {
	s := q.store
	var entityType string
	var parked bool

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var recordID string
		var attempts int
		err := tx.QueryRowContext(ctx, `
			SELECT entity_type, record_id, attempts FROM mutation_queue WHERE mutation_id = ?
		`, mutationID).Scan(&entityType, &recordID, &attempts)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up mutation: %w", err)
		}

		attempts++
		parked = attempts >= q.ceiling
		parkedFlag := 0
		if parked {
			parkedFlag = 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_queue SET attempts = ?, last_error = ?, parked = ? WHERE mutation_id = ?
		`, attempts, msg, parkedFlag, mutationID); err != nil {
			return fmt.Errorf("failed to record mutation failure: %w", err)
		}
		if parked {
			if _, err := tx.ExecContext(ctx, `
				UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
			`, string(StateError), entityType, recordID); err != nil {
				return fmt.Errorf("failed to flag errored record: %w", err)
			}
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	if parked {
		q.logger.Warn("mutation hit retry ceiling",
			"mutation_id", mutationID, "entity_type", entityType, "error", msg)
		s.notify(entityType)
	}
	return nil
}

// Park takes a mutation out of automatic rotation immediately, regardless of
// its attempt count, and flags its record as errored. Used for definitive
// remote rejections where retrying the same payload cannot succeed.
func (q *Queue) Park(ctx context.Context, mutationID string, cause error) error {
	s := q.store
	var entityType string
	var found bool

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var recordID string
		err := tx.QueryRowContext(ctx, `
			SELECT entity_type, record_id FROM mutation_queue WHERE mutation_id = ?
		`, mutationID).Scan(&entityType, &recordID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE mutation_queue SET last_error = ?, parked = 1 WHERE mutation_id = ?
		`, msg, mutationID); err != nil {
			return fmt.Errorf("failed to park mutation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
		`, string(StateError), entityType, recordID); err != nil {
			return fmt.Errorf("failed to flag errored record: %w", err)
		}
		found = true
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	if found {
		s.notify(entityType)
	}
	return nil
}

// Drop removes a mutation without acknowledging it, used when the user
// resolves a conflict in the remote's favor. The record's state is left to
// the caller.
func (q *Queue) Drop(ctx context.Context, entityType, id string) error {
	s := q.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mutation_queue WHERE entity_type = ? AND record_id = ?
	`, entityType, id)
	if err != nil {
		return classifyStorageErr(fmt.Errorf("failed to drop mutation: %w", err))
	}
	return nil
}

// RetryErrored puts a parked mutation back into automatic rotation after an
// explicit user request and flips its record back to pending.
func (q *Queue) RetryErrored(ctx context.Context, entityType, id string) error {
	s := q.store
	s.writeMu.Lock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE mutation_queue SET attempts = 0, last_error = NULL, parked = 0
			WHERE entity_type = ? AND record_id = ?
		`, entityType, id)
		if err != nil {
			return fmt.Errorf("failed to reset mutation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE entity_records SET sync_state = ? WHERE entity_type = ? AND id = ?
		`, string(StatePending), entityType, id); err != nil {
			return fmt.Errorf("failed to reset record state: %w", err)
		}
		return nil
	})
	s.writeMu.Unlock()
	if err != nil {
		return classifyStorageErr(err)
	}
	s.notify(entityType)
	return nil
}

// Counts returns aggregate pending/failed totals for the status UI.
func (q *Queue) Counts(ctx context.Context) (QueueCounts, error) {
	var c QueueCounts
	err := q.store.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN parked = 0 THEN 1 END),
			COUNT(CASE WHEN parked = 1 THEN 1 END)
		FROM mutation_queue
	`).Scan(&c.Pending, &c.Failed)
	if err != nil {
		return QueueCounts{}, classifyStorageErr(fmt.Errorf("failed to count mutations: %w", err))
	}
	return c, nil
}

func scanMutations(rows *sql.Rows) ([]Mutation, error) {
	var out []Mutation
	for rows.Next() {
		var m Mutation
		var op, createdAt string
		var payload, lastError sql.NullString
		var parked int
		if err := rows.Scan(&m.MutationID, &m.EntityType, &m.RecordID, &op, &payload,
			&createdAt, &m.Attempts, &lastError, &parked); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		m.Operation = Operation(op)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		m.CreatedAt = ts
		m.LastError = lastError.String
		m.Parked = parked != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
