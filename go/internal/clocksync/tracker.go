// Package clocksync keeps a signed offset between the local wall clock and the
// remote service clock so scheduling decisions run on server-aligned time.
package clocksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TimeSource returns the remote service's current timestamp
type TimeSource interface {
	GetServerTime(ctx context.Context) (time.Time, error)
}

// Config holds offset tracking settings
type Config struct {
	// ResyncInterval re-runs Sync periodically from Run. Zero syncs on startup only.
	ResyncInterval time.Duration
	// Timeout bounds a single remote time read
	Timeout time.Duration
	// DriftWarnThreshold logs drift above this magnitude at warn level
	DriftWarnThreshold time.Duration
}

// DefaultConfig returns the startup-only sync configuration
func DefaultConfig() Config {
	return Config{
		ResyncInterval:     0,
		Timeout:            5 * time.Second,
		DriftWarnThreshold: 5 * time.Second,
	}
}

// Tracker maintains serverAlignedNow = localNow + offset
type Tracker struct {
	source TimeSource
	clock  clockwork.Clock
	config Config

	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
	synced   bool
}

// NewTracker creates a tracker with a zero offset
func NewTracker(source TimeSource, clock clockwork.Clock, config Config) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		source: source,
		clock:  clock,
		config: config,
	}
}

// Sync reads the remote clock and replaces the offset. The local reference is
// sampled at the midpoint of the round trip. On error the previous offset stays.
func (t *Tracker) Sync(ctx context.Context) error {
	if t.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
	}

	before := t.clock.Now()
	remote, err := t.source.GetServerTime(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Dur("offset", t.Offset()).
			Msg("clock sync failed, keeping previous offset")
		return fmt.Errorf("failed to read server time: %w", err)
	}
	after := t.clock.Now()

	rtt := after.Sub(before)
	local := before.Add(rtt / 2)
	offset := remote.Sub(local).Truncate(time.Millisecond)

	t.mu.Lock()
	previous := t.offset
	t.offset = offset
	t.lastSync = after
	t.synced = true
	t.mu.Unlock()

	drift := offset
	if drift < 0 {
		drift = -drift
	}
	event := log.Debug()
	if t.config.DriftWarnThreshold > 0 && drift >= t.config.DriftWarnThreshold {
		event = log.Warn()
	}
	event.
		Int64("offset_ms", offset.Milliseconds()).
		Int64("previous_offset_ms", previous.Milliseconds()).
		Dur("rtt", rtt).
		Msg("clock offset synced")

	return nil
}

// Run performs the startup sync and, when configured, periodic resyncs until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	_ = t.Sync(ctx)

	if t.config.ResyncInterval <= 0 {
		return
	}

	ticker := t.clock.NewTicker(t.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = t.Sync(ctx)
		}
	}
}

// ServerNow returns local time shifted by the current offset. It only jumps when Sync
// replaces the offset.
func (t *Tracker) ServerNow() time.Time {
	t.mu.RLock()
	offset := t.offset
	t.mu.RUnlock()
	return t.clock.Now().Add(offset)
}

// Offset returns the signed offset (remote minus local)
func (t *Tracker) Offset() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}

// OffsetMillis returns the offset as signed integer milliseconds
func (t *Tracker) OffsetMillis() int64 {
	return t.Offset().Milliseconds()
}

// Synced reports whether at least one sync succeeded, and when
func (t *Tracker) Synced() (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync, t.synced
}
