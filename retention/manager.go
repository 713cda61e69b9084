// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package retention keeps the on-device cache within the user's policy: a
// per-entity-type maximum record age, and an aggregate storage budget.
// Records carrying pending local work are never evicted, whatever the policy
// says, so the budget can be legitimately exceeded under heavy offline use —
// that condition is reported, not silently violated.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mobiletoly/go-offcache/offstore"
	"github.com/mobiletoly/go-offcache/offsync"
)

// rowOverheadBytes is a fixed per-row estimate covering keys, timestamps and
// SQLite bookkeeping on top of the payload itself.
const rowOverheadBytes = 128

// DefaultInterval is how often the manager sweeps on its own timer.
const DefaultInterval = 15 * time.Minute

// Usage is the current storage position, exposed to the status UI.
type Usage struct {
	UsageBytes  int64
	QuotaBytes  int64
	PercentUsed float64
}

// Report summarizes one sweep.
type Report struct {
	AgePurged     int   // records removed for exceeding max age
	BudgetEvicted int   // additional records removed for the storage budget
	UsageBytes    int64 // usage after the sweep
	QuotaBytes    int64
	OverBudget    bool // pending work kept usage above the budget
}

// Manager enforces retention policy against the store. It runs on a timer
// and is also invoked after every successful sync pass (wire Sweep into
// Syncer.OnPassComplete).
type Manager struct {
	store    *offstore.Store
	settings offsync.Settings
	interval time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager. interval <= 0 selects DefaultInterval.
func NewManager(store *offstore.Store, settings offsync.Settings, interval time.Duration, logger *slog.Logger) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, settings: settings, interval: interval, logger: logger}
}

// Run sweeps on the timer until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep applies age-based retention per entity type, then the aggregate
// storage budget. Only fully synced records are ever eligible; pending,
// conflicted and errored records carry local work and are untouchable.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := time.Now().UTC()

	for _, et := range m.settings.EntityTypes {
		if !et.RetentionEnabled || et.RetentionDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -et.RetentionDays)
		purged, err := m.store.EvictSyncedBefore(ctx, et.Name, cutoff)
		if err != nil {
			return report, fmt.Errorf("age eviction for %s failed: %w", et.Name, err)
		}
		report.AgePurged += purged
	}

	evicted, usage, err := m.enforceBudget(ctx)
	if err != nil {
		return report, err
	}
	report.BudgetEvicted = evicted
	report.UsageBytes = usage.UsageBytes
	report.QuotaBytes = usage.QuotaBytes
	report.OverBudget = m.settings.MaxStorageBytes > 0 && usage.UsageBytes > m.settings.MaxStorageBytes

	if report.AgePurged > 0 || report.BudgetEvicted > 0 || report.OverBudget {
		m.logger.Info("retention sweep",
			"age_purged", report.AgePurged,
			"budget_evicted", report.BudgetEvicted,
			"usage_bytes", report.UsageBytes,
			"over_budget", report.OverBudget)
	}
	return report, nil
}

// enforceBudget evicts synced records oldest-first across entity types until
// usage fits the configured budget or nothing evictable remains. Eviction
// goes through the store so subscribers and the audit trail see it.
func (m *Manager) enforceBudget(ctx context.Context) (int, Usage, error) {
	quota := m.settings.MaxStorageBytes
	usage, err := m.Usage(ctx)
	if err != nil {
		return 0, Usage{}, err
	}
	if quota <= 0 || usage.UsageBytes <= quota {
		return 0, usage, nil
	}

	evicted := 0
	for usage.UsageBytes > quota {
		counts, err := m.store.EvictSyncedOldest(ctx, 50)
		if err != nil {
			return evicted, usage, fmt.Errorf("failed to evict for budget: %w", err)
		}
		n := 0
		for _, c := range counts {
			n += c
		}
		if n == 0 {
			break // nothing evictable left; report the overage
		}
		evicted += n
		usage, err = m.Usage(ctx)
		if err != nil {
			return evicted, usage, err
		}
	}
	return evicted, usage, nil
}

// Usage estimates current storage from payload sizes plus a fixed per-row
// overhead.
func (m *Manager) Usage(ctx context.Context) (Usage, error) {
	var rows int64
	var payloadBytes int64
	err := m.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(COALESCE(payload, ''))), 0) FROM entity_records
	`).Scan(&rows, &payloadBytes)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to estimate usage: %w", err)
	}

	u := Usage{
		UsageBytes: payloadBytes + rows*rowOverheadBytes,
		QuotaBytes: m.settings.MaxStorageBytes,
	}
	if u.QuotaBytes > 0 {
		u.PercentUsed = float64(u.UsageBytes) / float64(u.QuotaBytes) * 100
	}
	return u, nil
}
