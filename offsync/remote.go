// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsync drives bidirectional synchronization between the local
// cache (offstore) and the remote school-data service: incremental pull via
// per-entity-type cursors, priority-ordered push of the coalesced mutation
// queue, conflict flagging when local intent and remote state diverge, and a
// single-flight pass guard with coalesced re-triggering.
package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNetworkUnreachable marks transient transport failures. Mutations stay
// queued and retry on the next sync trigger; nothing is surfaced to the user
// until the retry ceiling is hit.
var ErrNetworkUnreachable = errors.New("network unreachable")

// RejectedError is a definitive remote refusal (stale version, validation
// failure, record gone). It is never retried automatically; the record is
// flagged as conflicted or errored and waits for explicit user action.
type RejectedError struct {
	Status       int           // HTTP status or service-specific code
	Reason       string        // human-readable refusal reason
	NotFound     bool          // the record no longer exists remotely
	ServerRecord *RemoteRecord // current server state, when the remote includes it
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected operation (status %d): %s", e.Status, e.Reason)
}

// RemoteRecord is the wire form of a server entity. SourceID is the device
// that produced the change (the server derives it from the bearer token), so
// a puller can recognize the echo of its own uploads in the change feed.
type RemoteRecord struct {
	ID         string          `json:"id"`
	SchoolID   string          `json:"school_id"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
	SourceID   string          `json:"source_id,omitempty"`
}

// ChangePage is one page of remote changes since a cursor token.
type ChangePage struct {
	Records   []RemoteRecord `json:"records"`
	NextToken string         `json:"next_token"`
}

// Remote is the boundary to the school-data service. Transport, auth and
// schema behind it are external collaborators; implementations must map
// transient failures to ErrNetworkUnreachable and definitive refusals to
// *RejectedError so the orchestrator can apply the right policy.
type Remote interface {
	// FetchChanges returns up to limit remote changes for entityType newer
	// than sinceToken (empty token means full history). Paging ends when the
	// returned page carries no records.
	FetchChanges(ctx context.Context, schoolID, entityType, sinceToken string, limit int) (*ChangePage, error)

	Create(ctx context.Context, entityType string, payload json.RawMessage) (*RemoteRecord, error)
	Update(ctx context.Context, entityType, id string, payload json.RawMessage) (*RemoteRecord, error)
	Delete(ctx context.Context, entityType, id string) error
}
