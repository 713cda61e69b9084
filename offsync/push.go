// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-offcache/offstore"
)

// push drains the mutation queue in priority order. A transient failure
// aborts the phase (the mutation keeps its attempt count and the next trigger
// resumes); definitive rejections park the mutation and flag the record, so
// the drain continues past them.
func (s *Syncer) push(ctx context.Context) error {
	for {
		batch, err := s.queue.DequeueBatch(ctx, s.settings.PushBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ordered := orderByPriority(batch, s.settings.Priority)
		for i := range ordered {
			m := &ordered[i]
			s.progress(Progress{Current: i + 1, Total: len(ordered), EntityType: m.EntityType, Phase: PhasePush})
			if err := s.pushOne(ctx, m); err != nil {
				return err
			}
		}
		if len(batch) < s.settings.PushBatchSize {
			return nil
		}
	}
}

// pushOne uploads a single mutation and settles its terminal state:
// acknowledged, conflicted, errored, or retried later.
func (s *Syncer) pushOne(ctx context.Context, m *offstore.Mutation) error {
	var rr *RemoteRecord
	var err error
	switch m.Operation {
	case offstore.OpCreate:
		rr, err = s.remote.Create(ctx, m.EntityType, m.Payload)
	case offstore.OpUpdate:
		rr, err = s.remote.Update(ctx, m.EntityType, m.RecordID, m.Payload)
	case offstore.OpDelete:
		err = s.remote.Delete(ctx, m.EntityType, m.RecordID)
	default:
		return fmt.Errorf("unknown mutation operation %q", m.Operation)
	}

	if err == nil {
		if err := s.queue.MarkAcknowledged(ctx, m.MutationID); err != nil {
			return err
		}
		// The server response is authoritative (it may have normalized or
		// defaulted fields); fold it back into the cache — unless the record
		// picked up a newer local edit while this upload was in flight, in
		// which case the server copy is already stale and the still-queued
		// mutation will replace it.
		if rr != nil {
			pending, err := s.queue.PendingFor(ctx, m.EntityType, m.RecordID)
			if err != nil {
				return err
			}
			if pending != nil {
				return nil
			}
			rec := &offstore.Record{
				ID:         rr.ID,
				EntityType: m.EntityType,
				Payload:    rr.Payload,
				UpdatedAt:  rr.UpdatedAt,
			}
			if rec.ID == "" {
				rec.ID = m.RecordID
			}
			if err := s.store.Put(ctx, rec, offstore.OriginSync); err != nil {
				return err
			}
		}
		return nil
	}

	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return s.handleRejection(ctx, m, rejected)
	}

	// Transient (network, timeout, 5xx): count the attempt and leave the
	// mutation for the next pass, subject to the retry ceiling.
	if ferr := s.queue.MarkFailed(ctx, m.MutationID, err); ferr != nil {
		return ferr
	}
	return fmt.Errorf("push of %s/%s failed: %w", m.EntityType, m.RecordID, err)
}

// handleRejection maps a definitive remote refusal onto local state. A
// rejection that carries current server state (stale update, record gone)
// becomes a conflict so the user sees both sides; anything else parks the
// mutation as errored. Either way the local edit stays visible.
func (s *Syncer) handleRejection(ctx context.Context, m *offstore.Mutation, rejected *RejectedError) error {
	switch {
	case rejected.NotFound && m.Operation == offstore.OpDelete:
		// Deleting something already gone is success in effect.
		return s.queue.MarkAcknowledged(ctx, m.MutationID)
	case rejected.NotFound:
		s.logger.Info("remote record gone, flagging conflict",
			"entity_type", m.EntityType, "id", m.RecordID)
		return s.store.StashConflict(ctx, offstore.Conflict{
			EntityType:    m.EntityType,
			RecordID:      m.RecordID,
			RemoteDeleted: true,
		})
	case rejected.ServerRecord != nil:
		s.logger.Info("remote rejected with server state, flagging conflict",
			"entity_type", m.EntityType, "id", m.RecordID, "reason", rejected.Reason)
		return s.store.StashConflict(ctx, offstore.Conflict{
			EntityType:      m.EntityType,
			RecordID:        m.RecordID,
			RemotePayload:   rejected.ServerRecord.Payload,
			RemoteDeleted:   rejected.ServerRecord.Deleted,
			RemoteUpdatedAt: rejected.ServerRecord.UpdatedAt,
		})
	default:
		s.logger.Warn("remote rejected mutation",
			"entity_type", m.EntityType, "id", m.RecordID, "reason", rejected.Reason)
		return s.queue.Park(ctx, m.MutationID, rejected)
	}
}

// orderByPriority reorders a FIFO batch per the configured push priority.
// attendance-first and messages-first float their entity type to the front
// (stable, so FIFO order is kept within each group); balanced round-robins
// across entity types so no single busy type starves the rest.
func orderByPriority(batch []offstore.Mutation, priority Priority) []offstore.Mutation {
	switch priority {
	case PriorityAttendanceFirst:
		return frontload(batch, "attendance")
	case PriorityMessagesFirst:
		return frontload(batch, "messages")
	default:
		return roundRobin(batch)
	}
}

func frontload(batch []offstore.Mutation, entityType string) []offstore.Mutation {
	out := make([]offstore.Mutation, 0, len(batch))
	for _, m := range batch {
		if m.EntityType == entityType {
			out = append(out, m)
		}
	}
	for _, m := range batch {
		if m.EntityType != entityType {
			out = append(out, m)
		}
	}
	return out
}

func roundRobin(batch []offstore.Mutation) []offstore.Mutation {
	var typeOrder []string
	byType := make(map[string][]offstore.Mutation)
	for _, m := range batch {
		if _, ok := byType[m.EntityType]; !ok {
			typeOrder = append(typeOrder, m.EntityType)
		}
		byType[m.EntityType] = append(byType[m.EntityType], m)
	}

	out := make([]offstore.Mutation, 0, len(batch))
	for len(out) < len(batch) {
		for _, t := range typeOrder {
			if len(byType[t]) > 0 {
				out = append(out, byType[t][0])
				byType[t] = byType[t][1:]
			}
		}
	}
	return out
}
