// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mobiletoly/go-offcache/offstore"
)

// pull runs the incremental pull phase across all enabled entity types.
func (s *Syncer) pull(ctx context.Context) error {
	enabled := s.settings.EnabledEntityTypes()
	for i, entityType := range enabled {
		s.progress(Progress{Current: i + 1, Total: len(enabled), EntityType: entityType, Phase: PhasePull})
		if err := s.pullEntityType(ctx, entityType); err != nil {
			return fmt.Errorf("pull of %s failed: %w", entityType, err)
		}
	}
	return nil
}

// pullEntityType pages through remote changes since the stored cursor and
// applies them. The cursor advances only after a whole page has been applied,
// so a failed page is re-requested on the next pass instead of being skipped.
func (s *Syncer) pullEntityType(ctx context.Context, entityType string) error {
	cursor, err := s.store.Cursor(ctx, entityType)
	if err != nil {
		return err
	}
	token := cursor.LastSyncToken

	for {
		page, err := s.remote.FetchChanges(ctx, s.settings.SchoolID, entityType, token, s.settings.PullLimit)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			// Caught up. Record the sync time; keep whichever token the
			// server last handed out.
			next := token
			if page.NextToken != "" {
				next = page.NextToken
			}
			return s.store.SetCursor(ctx, entityType, offstore.Cursor{
				LastSyncedAt:  time.Now().UTC(),
				LastSyncToken: next,
			})
		}

		for i := range page.Records {
			if err := s.applyRemoteChange(ctx, &page.Records[i]); err != nil {
				return err
			}
		}

		// A page without a continuation token must not reset the watermark
		// to full history.
		next := page.NextToken
		if next == "" {
			next = token
		}
		if err := s.store.SetCursor(ctx, entityType, offstore.Cursor{
			LastSyncedAt:  time.Now().UTC(),
			LastSyncToken: next,
		}); err != nil {
			return err
		}
		if page.NextToken == "" || page.NextToken == token {
			return nil
		}
		token = page.NextToken
	}
}

// applyRemoteChange applies one pulled record. With no pending local mutation
// the remote wins outright (last writer wins). With a pending mutation the
// record is flagged as conflicted and the remote payload stashed for manual
// resolution; local intent is never overwritten or auto-dropped. The
// exception is the echo of this device's own uploads coming back through the
// change feed (recognized by source id, or by an identical payload when the
// feed omits one), which carries no new information and is ignored.
func (s *Syncer) applyRemoteChange(ctx context.Context, rr *RemoteRecord) error {
	if rr.SchoolID != "" && rr.SchoolID != s.settings.SchoolID {
		return fmt.Errorf("remote record for wrong tenant %q", rr.SchoolID)
	}

	pending, err := s.queue.PendingFor(ctx, rr.EntityType, rr.ID)
	if err != nil {
		return err
	}
	if pending == nil {
		if rr.Deleted {
			return s.store.Remove(ctx, rr.EntityType, rr.ID, offstore.OriginSync)
		}
		rec := &offstore.Record{
			ID:         rr.ID,
			EntityType: rr.EntityType,
			Payload:    rr.Payload,
			UpdatedAt:  rr.UpdatedAt,
		}
		return s.store.Put(ctx, rec, offstore.OriginSync)
	}

	// The echo of this device's own earlier upload carries no new
	// information; the pending edit was made on top of it.
	if rr.SourceID != "" && rr.SourceID == s.settings.DeviceID {
		return nil
	}
	if !rr.Deleted && pending.Payload != nil && bytes.Equal(pending.Payload, rr.Payload) {
		return nil
	}

	s.logger.Info("conflict detected",
		"entity_type", rr.EntityType, "id", rr.ID,
		"pending_op", string(pending.Operation), "remote_deleted", rr.Deleted)
	return s.store.StashConflict(ctx, offstore.Conflict{
		EntityType:      rr.EntityType,
		RecordID:        rr.ID,
		RemotePayload:   rr.Payload,
		RemoteDeleted:   rr.Deleted,
		RemoteUpdatedAt: rr.UpdatedAt,
	})
}
