// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package snapshot exports and imports a portable copy of a tenant's cache
// for backup or device migration. The wire format is a single UTF-8 JSON
// document; importers reject version or tenant mismatches outright rather
// than guessing at compatibility or partially applying.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mobiletoly/go-offcache/offstore"
)

// FormatVersion is the current snapshot document version.
const FormatVersion = 1

// ErrIncompatible marks snapshots that cannot be imported: unknown version
// or a different tenant. Import aborts wholesale with no state change.
var ErrIncompatible = errors.New("incompatible snapshot")

// Record is the snapshot form of a cached entity.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Document is the portable snapshot.
type Document struct {
	Version       int                 `json:"version"`
	ExportedAt    time.Time           `json:"exportedAt"`
	SchoolID      string              `json:"schoolId"`
	Stores        map[string][]Record `json:"stores"`
	LocalSettings map[string]string   `json:"localSettings"`
}

// Export serializes the given entity-type tables, filtered to the store's
// tenant, plus the whitelisted device-local settings. Tombstones stay
// behind; live records are exported whatever their sync state, but the
// mutation queue itself never travels with a snapshot.
func Export(ctx context.Context, store *offstore.Store, entityTypes []string, settingKeys []string) (*Document, error) {
	doc := &Document{
		Version:    FormatVersion,
		ExportedAt: time.Now().UTC(),
		SchoolID:   store.SchoolID(),
		Stores:     make(map[string][]Record, len(entityTypes)),
	}

	for _, entityType := range entityTypes {
		records, err := store.List(ctx, entityType, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", entityType, err)
		}
		out := make([]Record, 0, len(records))
		for _, rec := range records {
			out = append(out, Record{
				ID:        rec.ID,
				Payload:   rec.Payload,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		doc.Stores[entityType] = out
	}

	settings, err := store.LocalSettings(ctx, settingKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to export local settings: %w", err)
	}
	doc.LocalSettings = settings
	return doc, nil
}

// Write serializes doc to w as indented JSON.
func Write(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Read parses a snapshot document from r. Version and tenant checks happen
// at import time, not here, so callers can inspect a foreign document.
func Read(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &doc, nil
}

// Import upserts every record of a compatible snapshot into the store as
// synced data. The merge is additive: records already cached but absent from
// the snapshot stay, and the mutation queue is never touched. Incompatible
// documents are refused before any state changes.
func Import(ctx context.Context, store *offstore.Store, doc *Document) error {
	if doc.Version != FormatVersion {
		return fmt.Errorf("%w: version %d, importer supports %d", ErrIncompatible, doc.Version, FormatVersion)
	}
	if doc.SchoolID != store.SchoolID() {
		return fmt.Errorf("%w: snapshot for school %q, store is scoped to %q",
			ErrIncompatible, doc.SchoolID, store.SchoolID())
	}

	for entityType, records := range doc.Stores {
		for i := range records {
			// Never clobber local work in progress: a record that is
			// pending, conflicted or errored keeps its local state.
			existing, err := store.Get(ctx, entityType, records[i].ID)
			if err != nil {
				return fmt.Errorf("failed to check existing record: %w", err)
			}
			if existing != nil && existing.SyncState != offstore.StateSynced {
				continue
			}
			rec := &offstore.Record{
				ID:         records[i].ID,
				EntityType: entityType,
				Payload:    records[i].Payload,
				UpdatedAt:  records[i].UpdatedAt,
			}
			if err := store.Put(ctx, rec, offstore.OriginSync); err != nil {
				return fmt.Errorf("failed to import %s/%s: %w", entityType, rec.ID, err)
			}
		}
	}

	for key, value := range doc.LocalSettings {
		if err := store.SetLocalSetting(ctx, key, value); err != nil {
			return fmt.Errorf("failed to import local setting %q: %w", key, err)
		}
	}
	return nil
}
