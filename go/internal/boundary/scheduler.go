// Package boundary runs the tick engine: it watches server-aligned time and
// triggers the remote advance-state procedure once per minute boundary.
package boundary

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ServerClock supplies server-aligned now
type ServerClock interface {
	ServerNow() time.Time
}

// TriggerFunc asks the remote to advance state for a boundary. It must be safe to repeat.
type TriggerFunc func(ctx context.Context, id ID) error

// Observer is called with server-aligned now on every primary loop pass
type Observer func(ctx context.Context, now time.Time)

// Config holds scheduler timings
type Config struct {
	TickInterval      time.Duration
	SafetyNetInterval time.Duration
	SettleDelay       time.Duration
	TriggerTimeout    time.Duration
}

// DefaultConfig returns the observed client timings
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Second,
		SafetyNetInterval: 10 * time.Second,
		SettleDelay:       500 * time.Millisecond,
		TriggerTimeout:    15 * time.Second,
	}
}

// Scheduler detects minute boundary crossings. Two conceptual states: idle, and
// triggering while an advance call is in flight. Triggers never block the timers.
type Scheduler struct {
	clock   clockwork.Clock
	server  ServerClock
	marker  *Marker
	trigger TriggerFunc
	config  Config

	mu        sync.Mutex
	last      ID
	hasLast   bool
	loaded    bool
	observers []Observer

	foregroundCh chan struct{}
	triggers     sync.WaitGroup
	inFlight     int
}

// NewScheduler creates a scheduler. Call Load (or Run, which loads) before OnTick.
func NewScheduler(clock clockwork.Clock, server ServerClock, marker *Marker, trigger TriggerFunc, config Config) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:        clock,
		server:       server,
		marker:       marker,
		trigger:      trigger,
		config:       config,
		foregroundCh: make(chan struct{}, 1),
	}
}

// Observe registers fn to run on every primary loop pass. Not safe after Run starts.
func (s *Scheduler) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Load reads the persisted marker once
func (s *Scheduler) Load(ctx context.Context) error {
	id, ok, err := s.marker.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.last, s.hasLast, s.loaded = id, ok, true
	s.mu.Unlock()

	log.Debug().
		Bool("found", ok).
		Int64("boundary", int64(id)).
		Msg("loaded last processed boundary")
	return nil
}

// LastProcessed returns the in-memory copy of the marker
func (s *Scheduler) LastProcessed() (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// shouldFire is the boundary rule. Forward movement fires. A backward jump of more
// than one minute re-anchors and fires; one minute of backward jitter does not.
func shouldFire(current, last ID, hasLast bool) bool {
	if !hasLast {
		return true
	}
	if current > last {
		return true
	}
	return current < last-1
}

// OnTick runs one boundary check against now and reports whether a trigger fired.
// The marker is persisted before the trigger runs, so a reload mid-call will not
// fire again for the same boundary.
func (s *Scheduler) OnTick(ctx context.Context, now time.Time) bool {
	current := Of(now)

	s.mu.Lock()
	if !shouldFire(current, s.last, s.hasLast) {
		s.mu.Unlock()
		return false
	}
	previous, hadPrevious := s.last, s.hasLast
	s.last, s.hasLast = current, true
	s.inFlight++
	s.triggers.Add(1)
	s.mu.Unlock()

	if err := s.marker.Save(ctx, current); err != nil {
		log.Error().Err(err).Int64("boundary", int64(current)).Msg("failed to persist boundary marker")
	}

	event := log.Info().Int64("boundary", int64(current))
	if hadPrevious {
		event = event.Int64("previous", int64(previous)).Int64("skipped", int64(current-previous-1))
	}
	event.Msg("minute boundary crossed, triggering tick")

	go s.fire(ctx, current)
	return true
}

func (s *Scheduler) fire(ctx context.Context, id ID) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
		s.triggers.Done()
	}()

	if s.config.TriggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TriggerTimeout)
		defer cancel()
	}

	start := s.clock.Now()
	if err := s.trigger(ctx, id); err != nil {
		// no immediate retry; the next boundary or safety-net pass tries again
		log.Error().
			Err(err).
			Int64("boundary", int64(id)).
			Msg("tick trigger failed")
		return
	}

	log.Debug().
		Int64("boundary", int64(id)).
		Dur("took", s.clock.Since(start)).
		Msg("tick trigger completed")
}

// Triggering reports whether an advance call is in flight
func (s *Scheduler) Triggering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight > 0
}

// NotifyForeground requests one boundary check after the settle delay. Hosts call it
// when the client regains focus after being backgrounded.
func (s *Scheduler) NotifyForeground() {
	select {
	case s.foregroundCh <- struct{}{}:
	default:
	}
}

// Run loads the marker and drives the primary loop, the safety net and foreground
// checks until ctx ends. In-flight triggers are waited for before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}

	tick := s.clock.NewTicker(s.config.TickInterval)
	defer tick.Stop()
	safety := s.clock.NewTicker(s.config.SafetyNetInterval)
	defer safety.Stop()

	var settle clockwork.Timer
	var settleCh <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
		s.triggers.Wait()
	}()

	log.Info().
		Dur("tick_interval", s.config.TickInterval).
		Dur("safety_net_interval", s.config.SafetyNetInterval).
		Msg("boundary scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("boundary scheduler shutting down")
			return nil

		case <-tick.Chan():
			now := s.server.ServerNow()
			s.OnTick(ctx, now)
			s.notifyObservers(ctx, now)

		case <-safety.Chan():
			if s.OnTick(ctx, s.server.ServerNow()) {
				log.Warn().Msg("safety net caught a missed boundary")
			}

		case <-s.foregroundCh:
			if settle == nil {
				settle = s.clock.NewTimer(s.config.SettleDelay)
			} else {
				settle.Reset(s.config.SettleDelay)
			}
			settleCh = settle.Chan()

		case <-settleCh:
			settleCh = nil
			now := s.server.ServerNow()
			if s.OnTick(ctx, now) {
				log.Info().Msg("caught up boundary after foreground regain")
			}
			s.notifyObservers(ctx, now)
		}
	}
}

func (s *Scheduler) notifyObservers(ctx context.Context, now time.Time) {
	s.mu.Lock()
	observers := s.observers
	s.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, now)
	}
}
