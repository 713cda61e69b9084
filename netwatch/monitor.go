// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package netwatch classifies network reachability and quality into a small
// ordered set of levels. The result is purely advisory: the sync orchestrator
// uses it to decide whether and how aggressively to sync, and the UI shows it
// as a badge. Nothing here is persisted.
package netwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Quality is an ordered connection quality level.
type Quality int

const (
	QualityOffline Quality = iota
	QualitySlow
	QualityFair
	QualityFast
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualitySlow:
		return "slow"
	case QualityFair:
		return "fair"
	case QualityFast:
		return "fast"
	case QualityExcellent:
		return "excellent"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// Online reports whether the level allows sync traffic at all.
func (q Quality) Online() bool { return q > QualityOffline }

// Sample is one ephemeral connectivity measurement.
type Sample struct {
	Quality      Quality
	RTT          time.Duration
	DownlinkMbps float64
	SampledAt    time.Time
}

// Prober measures the network. A failed probe means unreachable. Injected so
// the monitor is testable without real connectivity.
type Prober interface {
	Probe(ctx context.Context) (rtt time.Duration, downlinkMbps float64, err error)
}

// Classification thresholds.
const (
	slowRTT          = 600 * time.Millisecond
	slowDownlinkMbps = 0.5
	fairDownlinkMbps = 2.0
	fastDownlinkMbps = 10.0
)

// Classify buckets a successful measurement into a quality level.
func Classify(rtt time.Duration, downlinkMbps float64) Quality {
	switch {
	case rtt > slowRTT || downlinkMbps < slowDownlinkMbps:
		return QualitySlow
	case downlinkMbps < fairDownlinkMbps:
		return QualityFair
	case downlinkMbps < fastDownlinkMbps:
		return QualityFast
	default:
		return QualityExcellent
	}
}

// DefaultInterval is the periodic resample interval while online.
const DefaultInterval = 30 * time.Second

// Monitor keeps the current connectivity sample fresh and fans out quality
// transitions to subscribers.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	current Sample
	subs    map[int]func(Sample)
	nextSub int

	poke chan struct{}
}

// NewMonitor creates a Monitor. interval <= 0 selects DefaultInterval. The
// monitor starts out offline until the first probe completes.
func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		current:  Sample{Quality: QualityOffline, SampledAt: time.Now()},
		subs:     make(map[int]func(Sample)),
		poke:     make(chan struct{}, 1),
	}
}

// Current returns the latest sample.
func (m *Monitor) Current() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers fn for quality transitions (not every resample). The
// returned function removes the subscription.
func (m *Monitor) Subscribe(fn func(Sample)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Poke requests an immediate resample, used when the platform reports a
// connectivity change event. Non-blocking; redundant pokes coalesce.
func (m *Monitor) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// Run samples immediately, then on every poke and on the periodic interval,
// until ctx is cancelled. Sampling stops with the context, so teardown is a
// context cancel away.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.poke:
			m.sample(ctx)
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample probes once and publishes the result.
func (m *Monitor) sample(ctx context.Context) {
	var s Sample
	rtt, downlink, err := m.prober.Probe(ctx)
	if err != nil {
		// Reachability lost: offline immediately, no hysteresis.
		s = Sample{Quality: QualityOffline, SampledAt: time.Now()}
	} else {
		s = Sample{
			Quality:      Classify(rtt, downlink),
			RTT:          rtt,
			DownlinkMbps: downlink,
			SampledAt:    time.Now(),
		}
	}

	m.mu.Lock()
	prev := m.current.Quality
	m.current = s
	var fns []func(Sample)
	if s.Quality != prev {
		fns = make([]func(Sample), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if s.Quality != prev {
		m.logger.Debug("connection quality changed",
			"from", prev.String(), "to", s.Quality.String(),
			"rtt", s.RTT, "downlink_mbps", s.DownlinkMbps)
		for _, fn := range fns {
			fn(s)
		}
	}
}

// HTTPProber measures round-trip time with a HEAD request against a base URL
// (typically the sync server's health endpoint). Downlink is taken from a
// platform hint when available; probe failures and timeouts map to offline.
type HTTPProber struct {
	URL    string
	HTTP   *http.Client
	// DownlinkHint returns the platform-reported downlink in Mbps, or 0 when
	// unknown (0 falls back to an RTT-derived estimate).
	DownlinkHint func() float64
}

// NewHTTPProber creates a prober with a short per-probe timeout.
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{
		URL:  url,
		HTTP: &http.Client{Timeout: 5 * time.Second},
	}
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	start := time.Now()
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("probe failed: %w", err)
	}
	resp.Body.Close()
	rtt := time.Since(start)

	downlink := 0.0
	if p.DownlinkHint != nil {
		downlink = p.DownlinkHint()
	}
	if downlink == 0 {
		// Crude fallback: infer bandwidth class from latency alone so the
		// classifier still has something to bucket on.
		switch {
		case rtt > slowRTT:
			downlink = slowDownlinkMbps / 2
		case rtt > 200*time.Millisecond:
			downlink = fairDownlinkMbps / 2
		case rtt > 50*time.Millisecond:
			downlink = fastDownlinkMbps / 2
		default:
			downlink = fastDownlinkMbps * 2
		}
	}
	return rtt, downlink, nil
}
