// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := Open(db, "school-1", nil)
	require.NoError(t, err)
	return store
}

func TestOpenCreatesSchema(t *testing.T) {
	store := newTestStore(t)

	expectedTables := []string{
		"entity_records", "mutation_queue", "audit_log", "local_settings",
		"sync_cursors", "sync_conflicts",
	}
	for _, table := range expectedTables {
		var count int
		err := store.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}
}

func TestOpenRequiresSchoolID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = Open(db, "", nil)
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		ID:         "s1",
		EntityType: "students",
		Payload:    json.RawMessage(`{"name":"Amina"}`),
	}
	require.NoError(t, store.Put(ctx, rec, OriginLocal))
	require.Equal(t, "school-1", rec.SchoolID)
	require.Equal(t, StatePending, rec.SyncState)
	require.False(t, rec.UpdatedAt.IsZero())

	got, err := store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "s1", got.ID)
	require.JSONEq(t, `{"name":"Amina"}`, string(got.Payload))
	require.Equal(t, StatePending, got.SyncState)

	// Sync-origin put overwrites payload and flips to synced.
	rec2 := &Record{ID: "s1", EntityType: "students", Payload: json.RawMessage(`{"name":"Amina A."}`)}
	require.NoError(t, store.Put(ctx, rec2, OriginSync))
	got, err = store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	require.Equal(t, StateSynced, got.SyncState)
	require.JSONEq(t, `{"name":"Amina A."}`, string(got.Payload))
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "students", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListInsertionOrderAndPredicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := &Record{
			ID:         fmt.Sprintf("s%d", i),
			EntityType: "students",
			Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
		require.NoError(t, store.Put(ctx, rec, OriginSync))
	}

	all, err := store.List(ctx, "students", nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		require.Equal(t, fmt.Sprintf("s%d", i), rec.ID)
	}

	odd, err := store.List(ctx, "students", func(r *Record) bool {
		return r.ID == "s1" || r.ID == "s3"
	})
	require.NoError(t, err)
	require.Len(t, odd, 2)
}

func TestRemoveLocalTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{ID: "s1", EntityType: "students", Payload: json.RawMessage(`{}`)}
	require.NoError(t, store.Put(ctx, rec, OriginSync))
	require.NoError(t, store.Remove(ctx, "students", "s1", OriginLocal))

	// Tombstoned record is hidden from reads but the row survives, pending.
	got, err := store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	require.Nil(t, got)

	any, err := store.getAny(ctx, "students", "s1")
	require.NoError(t, err)
	require.NotNil(t, any)
	require.True(t, any.Deleted)
	require.Equal(t, StatePending, any.SyncState)

	// Sync-origin remove purges outright.
	require.NoError(t, store.Remove(ctx, "students", "s1", OriginSync))
	any, err = store.getAny(ctx, "students", "s1")
	require.NoError(t, err)
	require.Nil(t, any)
}

func TestSubscribeFiresOnCommittedChanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var studentEvents, staffEvents int
	unsub := store.Subscribe("students", func() { studentEvents++ })
	store.Subscribe("staff", func() { staffEvents++ })

	rec := &Record{ID: "s1", EntityType: "students", Payload: json.RawMessage(`{}`)}
	require.NoError(t, store.Put(ctx, rec, OriginLocal))
	require.NoError(t, store.Remove(ctx, "students", "s1", OriginLocal))
	require.Equal(t, 2, studentEvents)
	require.Equal(t, 0, staffEvents)

	unsub()
	require.NoError(t, store.Put(ctx, rec, OriginLocal))
	require.Equal(t, 2, studentEvents, "unsubscribed callback must not fire")
}

func TestAuditTrailCapped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < auditCap+50; i++ {
		rec := &Record{
			ID:         fmt.Sprintf("s%d", i),
			EntityType: "students",
			Payload:    json.RawMessage(`{}`),
		}
		require.NoError(t, store.Put(ctx, rec, OriginSync))
	}

	entries, err := store.AuditTrail(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, auditCap)
	// Newest first; the oldest 50 must have been evicted.
	require.Equal(t, fmt.Sprintf("s%d", auditCap+49), entries[0].RecordID)
	require.Equal(t, "s50", entries[len(entries)-1].RecordID)
}

func TestEvictSyncedNotifiesAndAudits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Put(ctx, &Record{ID: "a", EntityType: "students", Payload: json.RawMessage(`{}`), UpdatedAt: old}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "b", EntityType: "students", Payload: json.RawMessage(`{}`)}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "c", EntityType: "students", Payload: json.RawMessage(`{}`), UpdatedAt: old}, OriginLocal))

	var events int
	store.Subscribe("students", func() { events++ })

	n, err := store.EvictSyncedBefore(ctx, "students", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the old synced record is evictable")
	require.Equal(t, 1, events, "eviction is a committed change; subscribers must hear about it")

	entries, err := store.AuditTrail(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "evict", entries[0].Op)
	require.Equal(t, "a", entries[0].RecordID)

	// No matches, no notification.
	n, err = store.EvictSyncedBefore(ctx, "students", time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, events)
}

func TestEvictSyncedOldestAcrossTypes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, store.Put(ctx, &Record{ID: "s1", EntityType: "students", Payload: json.RawMessage(`{}`), UpdatedAt: base}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "m1", EntityType: "messages", Payload: json.RawMessage(`{}`), UpdatedAt: base.Add(time.Second)}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "s2", EntityType: "students", Payload: json.RawMessage(`{}`), UpdatedAt: base.Add(2 * time.Second)}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "p1", EntityType: "students", Payload: json.RawMessage(`{}`), UpdatedAt: base}, OriginLocal))

	var studentEvents, messageEvents int
	store.Subscribe("students", func() { studentEvents++ })
	store.Subscribe("messages", func() { messageEvents++ })

	counts, err := store.EvictSyncedOldest(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"students": 1, "messages": 1}, counts, "oldest two synced rows span both types")
	require.Equal(t, 1, studentEvents)
	require.Equal(t, 1, messageEvents)

	// The newest synced row and the pending row survive.
	got, err := store.Get(ctx, "students", "s2")
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.Get(ctx, "students", "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	got, err = store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLocalSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LocalSetting(ctx, "theme")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetLocalSetting(ctx, "theme", "dark"))
	require.NoError(t, store.SetLocalSetting(ctx, "lang", "fr"))
	require.NoError(t, store.SetLocalSetting(ctx, "theme", "light"))

	value, ok, err := store.LocalSetting(ctx, "theme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "light", value)

	subset, err := store.LocalSettings(ctx, []string{"theme", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"theme": "light"}, subset)
}

func TestCountByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Record{ID: "a", EntityType: "students", Payload: json.RawMessage(`{}`)}, OriginSync))
	require.NoError(t, store.Put(ctx, &Record{ID: "b", EntityType: "students", Payload: json.RawMessage(`{}`)}, OriginLocal))
	require.NoError(t, store.Put(ctx, &Record{ID: "c", EntityType: "staff", Payload: json.RawMessage(`{}`)}, OriginLocal))

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[StateSynced])
	require.Equal(t, 2, counts[StatePending])
}

func TestCursorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cur, err := store.Cursor(ctx, "students")
	require.NoError(t, err)
	require.True(t, cur.LastSyncedAt.IsZero())
	require.Empty(t, cur.LastSyncToken)

	require.NoError(t, store.SetCursor(ctx, "students", Cursor{LastSyncToken: "tok-42"}))
	require.NoError(t, store.SetCursor(ctx, "students", Cursor{LastSyncToken: "tok-43"}))

	cur, err = store.Cursor(ctx, "students")
	require.NoError(t, err)
	require.Equal(t, "tok-43", cur.LastSyncToken)
}

func TestConflictStashAndClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{ID: "s1", EntityType: "students", Payload: json.RawMessage(`{"v":"local"}`)}
	require.NoError(t, store.Put(ctx, rec, OriginLocal))

	require.NoError(t, store.StashConflict(ctx, Conflict{
		EntityType:    "students",
		RecordID:      "s1",
		RemotePayload: json.RawMessage(`{"v":"remote"}`),
	}))

	got, err := store.Get(ctx, "students", "s1")
	require.NoError(t, err)
	require.Equal(t, StateConflict, got.SyncState)
	require.JSONEq(t, `{"v":"local"}`, string(got.Payload), "local payload must survive the flag")

	conflict, err := store.ConflictFor(ctx, "students", "s1")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.JSONEq(t, `{"v":"remote"}`, string(conflict.RemotePayload))

	all, err := store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.ClearConflict(ctx, "students", "s1"))
	conflict, err = store.ConflictFor(ctx, "students", "s1")
	require.NoError(t, err)
	require.Nil(t, conflict)
}
