package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/mcdev12/empire/go/internal/boundary"
	"github.com/rs/zerolog/log"
)

// StalenessConfig holds the safety net timings
type StalenessConfig struct {
	// CheckOffset is how long after each minute boundary the check runs
	CheckOffset time.Duration
	// Threshold is the update age past which the push channel is presumed to have missed events
	Threshold time.Duration
}

// DefaultStalenessConfig returns the observed timings
func DefaultStalenessConfig() StalenessConfig {
	return StalenessConfig{
		CheckOffset: 5 * time.Second,
		Threshold:   50 * time.Second,
	}
}

// StalenessMonitor forces a full refresh when no authoritative update has been
// confirmed recently. It checks at most once per boundary, so a stale window
// yields one forced refresh.
type StalenessMonitor struct {
	lastConfirmed func() time.Time
	refresh       func(ctx context.Context)
	config        StalenessConfig

	mu         sync.Mutex
	checked    boundary.ID
	hasChecked bool
	forced     int
}

// NewStalenessMonitor creates a monitor. lastConfirmed returns the server-aligned
// time of the last authoritative update; refresh is expected not to block for long.
func NewStalenessMonitor(lastConfirmed func() time.Time, refresh func(ctx context.Context), config StalenessConfig) *StalenessMonitor {
	return &StalenessMonitor{
		lastConfirmed: lastConfirmed,
		refresh:       refresh,
		config:        config,
	}
}

// Check runs the staleness test for server-aligned now and reports whether a refresh
// was forced. It has the boundary.Observer signature.
func (m *StalenessMonitor) Check(ctx context.Context, now time.Time) bool {
	current := boundary.Of(now)
	if now.Sub(current.Start()) < m.config.CheckOffset {
		return false
	}

	m.mu.Lock()
	if m.hasChecked && m.checked == current {
		m.mu.Unlock()
		return false
	}
	m.checked, m.hasChecked = current, true
	m.mu.Unlock()

	last := m.lastConfirmed()
	age := now.Sub(last)
	if !last.IsZero() && age <= m.config.Threshold {
		return false
	}

	m.mu.Lock()
	m.forced++
	m.mu.Unlock()

	event := log.Warn().Int64("boundary", int64(current))
	if !last.IsZero() {
		event = event.Dur("age", age)
	}
	event.Msg("no authoritative update within threshold, forcing refresh")

	m.refresh(ctx)
	return true
}

// Observe adapts Check to boundary.Observer
func (m *StalenessMonitor) Observe(ctx context.Context, now time.Time) {
	m.Check(ctx, now)
}

// Forced returns how many refreshes the monitor has forced
func (m *StalenessMonitor) Forced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}
