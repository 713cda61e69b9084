// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-offcache/netwatch"
	"github.com/mobiletoly/go-offcache/offstore"
)

// State is the orchestrator's coarse phase, exposed for the status UI.
type State int32

const (
	StateIdle State = iota
	StatePulling
	StatePushing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePulling:
		return "pulling"
	case StatePushing:
		return "pushing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Phase tags progress events with the half of the pass they belong to.
type Phase string

const (
	PhasePull Phase = "pull"
	PhasePush Phase = "push"
)

// Progress is one incremental progress event for the status UI.
type Progress struct {
	Current    int
	Total      int
	EntityType string
	Phase      Phase
}

// Status aggregates everything the sync status surface shows.
type Status struct {
	State      State
	LastSyncAt time.Time
	Pending    int
	Failed     int
	Synced     int
	Conflicts  int
	Errored    int
	Quality    netwatch.Quality
}

// Syncer drives sync passes against the remote service. Only one pass is in
// flight per tenant at a time; triggers arriving mid-pass coalesce into a
// single follow-up pass rather than stacking.
type Syncer struct {
	store    *offstore.Store
	queue    *offstore.Queue
	remote   Remote
	monitor  *netwatch.Monitor // optional; nil means no connectivity gating
	settings Settings
	logger   *slog.Logger

	// OnProgress, when set, receives incremental progress events during a
	// pass. Called from the sync goroutine.
	OnProgress func(Progress)
	// OnPassComplete fires after every successful full pass (the retention
	// manager hooks in here).
	OnPassComplete func()

	syncing atomic.Bool
	rerun   atomic.Bool
	state   atomic.Int32

	// backoff is the wait applied after a failed pass, doubling from
	// BackoffMin to BackoffMax across consecutive failures. Touched only by
	// the goroutine that won the single-flight guard.
	backoff time.Duration

	mu         sync.Mutex
	lastSyncAt time.Time
}

// NewSyncer wires the orchestrator. monitor may be nil (sync is then assumed
// reachable whenever triggered). Settings must have been validated.
func NewSyncer(store *offstore.Store, queue *offstore.Queue, remote Remote,
	monitor *netwatch.Monitor, settings Settings, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		store:    store,
		queue:    queue,
		remote:   remote,
		monitor:  monitor,
		settings: settings,
		logger:   logger,
	}
}

// State returns the current orchestrator phase.
func (s *Syncer) State() State { return State(s.state.Load()) }

// LastSyncAt returns the completion time of the last successful full pass.
func (s *Syncer) LastSyncAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncAt
}

// Sync runs one full pull+push pass. If a pass is already running the call
// returns immediately and the running pass is followed by exactly one more,
// no matter how many triggers arrived in the meantime.
//
// Every caller raises rerun before contending for the guard, and the holder
// re-checks rerun after releasing it. A trigger that loses the race against a
// finishing pass is therefore picked up either by that holder looping back or
// by the trigger's own CAS succeeding; it can never be stranded.
func (s *Syncer) Sync(ctx context.Context) error {
	s.rerun.Store(true)
	for {
		if !s.syncing.CompareAndSwap(false, true) {
			return nil
		}
		for s.rerun.Swap(false) {
			if err := s.runPass(ctx); err != nil {
				s.syncing.Store(false)
				return err
			}
		}
		s.syncing.Store(false)
		if !s.rerun.Load() {
			return nil
		}
	}
}

// runPass executes pull then push, entering the error state and backing off
// before returning on failure.
func (s *Syncer) runPass(ctx context.Context) error {
	if s.monitor != nil && !s.monitor.Current().Quality.Online() {
		s.logger.Debug("sync skipped, offline")
		return nil
	}

	start := time.Now()
	s.state.Store(int32(StatePulling))
	if err := s.pull(ctx); err != nil {
		return s.failPass(ctx, "pull", err)
	}

	s.state.Store(int32(StatePushing))
	if err := s.push(ctx); err != nil {
		return s.failPass(ctx, "push", err)
	}

	s.state.Store(int32(StateIdle))
	s.backoff = 0
	s.mu.Lock()
	s.lastSyncAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("sync pass complete", "duration", time.Since(start))
	if s.OnPassComplete != nil {
		s.OnPassComplete()
	}
	return nil
}

// failPass enters the error state, waits out the current backoff and returns
// to idle so the next trigger starts clean. Consecutive failures double the
// backoff up to BackoffMax; a successful pass resets it.
func (s *Syncer) failPass(ctx context.Context, phase string, err error) error {
	if s.backoff <= 0 {
		s.backoff = time.Duration(s.settings.BackoffMin)
	} else {
		s.backoff *= 2
	}
	if max := time.Duration(s.settings.BackoffMax); max > 0 && s.backoff > max {
		s.backoff = max
	}

	s.state.Store(int32(StateError))
	s.logger.Warn("sync pass failed", "phase", phase, "backoff", s.backoff, "error", err)
	_ = sleepWithContext(ctx, s.backoff)
	s.state.Store(int32(StateIdle))
	return fmt.Errorf("%s phase failed: %w", phase, err)
}

// Run owns the background triggers: reconnect-driven sync (when enabled) and
// the periodic background sync timer (when enabled). Blocks until ctx is
// cancelled. Manual Sync calls remain valid while Run is active; the
// single-flight guard keeps them from overlapping.
func (s *Syncer) Run(ctx context.Context) {
	if s.monitor != nil && s.settings.AutoSyncOnReconnect {
		unsubscribe := s.monitor.Subscribe(func(sample netwatch.Sample) {
			if !sample.Quality.Online() {
				return
			}
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("reconnect sync failed", "error", err)
			}
		})
		defer unsubscribe()
	}

	if !s.settings.BackgroundSync {
		<-ctx.Done()
		return
	}

	interval := time.Duration(s.settings.SyncInterval)
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Warn("background sync failed", "error", err)
			}
		}
	}
}

// Status aggregates queue counts, record counts, phase and connectivity for
// the status UI.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	byState, err := s.store.CountByState(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		State:      s.State(),
		LastSyncAt: s.LastSyncAt(),
		Pending:    counts.Pending,
		Failed:     counts.Failed,
		Synced:     byState[offstore.StateSynced],
		Conflicts:  byState[offstore.StateConflict],
		Errored:    byState[offstore.StateError],
	}
	if s.monitor != nil {
		st.Quality = s.monitor.Current().Quality
	}
	return st, nil
}

// Conflicts lists records whose local pending edit and remote state diverged.
// Both payloads are retrievable: the remote one here, the local one still in
// the mutation queue.
func (s *Syncer) Conflicts(ctx context.Context) ([]offstore.Conflict, error) {
	return s.store.Conflicts(ctx)
}

// Resolve settles a flagged conflict. keepLocal re-arms the pending local
// payload as an update to push on the next pass; otherwise the stashed remote
// state is applied and the local pending mutation is explicitly dropped (the
// one case a local edit is discarded, and only ever on user request).
func (s *Syncer) Resolve(ctx context.Context, entityType, id string, keepLocal bool) error {
	conflict, err := s.store.ConflictFor(ctx, entityType, id)
	if err != nil {
		return err
	}
	if conflict == nil {
		return fmt.Errorf("no conflict recorded for %s/%s", entityType, id)
	}

	if keepLocal {
		pending, err := s.queue.PendingFor(ctx, entityType, id)
		if err != nil {
			return err
		}
		if pending == nil {
			return fmt.Errorf("conflict for %s/%s has no pending mutation", entityType, id)
		}
		if err := s.queue.RetryErrored(ctx, entityType, id); err != nil {
			return err
		}
		if err := s.store.SetSyncState(ctx, entityType, id, offstore.StatePending); err != nil {
			return err
		}
	} else {
		if err := s.queue.Drop(ctx, entityType, id); err != nil {
			return err
		}
		if conflict.RemoteDeleted {
			if err := s.store.Remove(ctx, entityType, id, offstore.OriginSync); err != nil {
				return err
			}
		} else {
			rec := &offstore.Record{
				ID:         id,
				EntityType: entityType,
				Payload:    conflict.RemotePayload,
				UpdatedAt:  conflict.RemoteUpdatedAt,
			}
			if err := s.store.Put(ctx, rec, offstore.OriginSync); err != nil {
				return err
			}
		}
	}
	return s.store.ClearConflict(ctx, entityType, id)
}

// progress emits one progress event if a listener is attached.
func (s *Syncer) progress(p Progress) {
	if s.OnProgress != nil {
		s.OnProgress(p)
	}
}

// sleepWithContext waits for d or until ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
