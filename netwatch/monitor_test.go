// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package netwatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProber returns scripted measurements.
type fakeProber struct {
	mu       sync.Mutex
	rtt      time.Duration
	downlink float64
	err      error
}

func (p *fakeProber) set(rtt time.Duration, downlink float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtt, p.downlink, p.err = rtt, downlink, err
}

func (p *fakeProber) Probe(ctx context.Context) (time.Duration, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt, p.downlink, p.err
}

func TestClassifyThresholds(t *testing.T) {
	tests := []struct {
		name     string
		rtt      time.Duration
		downlink float64
		want     Quality
	}{
		{"high rtt is slow", 700 * time.Millisecond, 50, QualitySlow},
		{"tiny downlink is slow", 50 * time.Millisecond, 0.3, QualitySlow},
		{"sub-2mbps is fair", 100 * time.Millisecond, 1.5, QualityFair},
		{"sub-10mbps is fast", 100 * time.Millisecond, 8, QualityFast},
		{"everything else is excellent", 20 * time.Millisecond, 100, QualityExcellent},
		{"boundary rtt stays out of slow", 600 * time.Millisecond, 5, QualityFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.rtt, tt.downlink))
		})
	}
}

func TestQualityOrderingAndStrings(t *testing.T) {
	require.True(t, QualityOffline < QualitySlow)
	require.True(t, QualitySlow < QualityFair)
	require.True(t, QualityFair < QualityFast)
	require.True(t, QualityFast < QualityExcellent)

	require.Equal(t, "offline", QualityOffline.String())
	require.Equal(t, "excellent", QualityExcellent.String())
	require.False(t, QualityOffline.Online())
	require.True(t, QualitySlow.Online())
}

func TestMonitorStartsOffline(t *testing.T) {
	m := NewMonitor(&fakeProber{}, 0, nil)
	require.Equal(t, QualityOffline, m.Current().Quality)
}

func TestSampleTransitionsAndSubscribers(t *testing.T) {
	prober := &fakeProber{}
	prober.set(0, 0, errors.New("no route to host"))
	m := NewMonitor(prober, time.Hour, nil)

	var events []Quality
	unsub := m.Subscribe(func(s Sample) { events = append(events, s.Quality) })

	ctx := context.Background()

	// Offline to offline: no transition, no event.
	m.sample(ctx)
	require.Empty(t, events)

	// Reachability restored.
	prober.set(40*time.Millisecond, 20, nil)
	m.sample(ctx)
	require.Equal(t, []Quality{QualityExcellent}, events)
	require.Equal(t, QualityExcellent, m.Current().Quality)
	require.Equal(t, 40*time.Millisecond, m.Current().RTT)

	// Degradation.
	prober.set(800*time.Millisecond, 0.2, nil)
	m.sample(ctx)
	require.Equal(t, []Quality{QualityExcellent, QualitySlow}, events)

	// Reachability lost: offline immediately.
	prober.set(0, 0, errors.New("timeout"))
	m.sample(ctx)
	require.Equal(t, QualityOffline, m.Current().Quality)

	unsub()
	prober.set(40*time.Millisecond, 20, nil)
	m.sample(ctx)
	require.Len(t, events, 3, "unsubscribed callback must not fire")
}

func TestPokeCoalesces(t *testing.T) {
	m := NewMonitor(&fakeProber{}, time.Hour, nil)
	// Repeated pokes must never block even with nothing draining the channel.
	for i := 0; i < 10; i++ {
		m.Poke()
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	prober := &fakeProber{}
	prober.set(40*time.Millisecond, 20, nil)
	m := NewMonitor(prober, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return m.Current().Quality == QualityExcellent
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
