package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/boundary"
	"github.com/mcdev12/empire/go/internal/clocksync"
	"github.com/mcdev12/empire/go/internal/fetch"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/optimistic"
	"github.com/mcdev12/empire/go/internal/realtime"
	"github.com/mcdev12/empire/go/internal/storage"
	"github.com/rs/zerolog/log"
)

// Remote is the full remote contract a session depends on
type Remote interface {
	clocksync.TimeSource
	fetch.StateReader
	optimistic.Mutator
	AdvanceState(ctx context.Context, userID uuid.UUID) (models.Fields, error)
}

// Config groups the component configs
type Config struct {
	Clock     clocksync.Config
	Fetch     fetch.Config
	Scheduler boundary.Config
	Staleness realtime.StalenessConfig
}

// DefaultConfig returns the observed client settings
func DefaultConfig() Config {
	return Config{
		Clock:     clocksync.DefaultConfig(),
		Fetch:     fetch.DefaultConfig(),
		Scheduler: boundary.DefaultConfig(),
		Staleness: realtime.DefaultStalenessConfig(),
	}
}

// Session keeps one user's local record synchronized with the remote
type Session struct {
	remote Remote
	kv     storage.Store
	clock  clockwork.Clock
	config Config

	store       *Store
	tracker     *clocksync.Tracker
	coordinator *fetch.Coordinator
	merger      *realtime.Merger
	guard       *optimistic.Guard
	prefs       *Preferences

	mu         sync.Mutex
	generation uint64
	userID     uuid.UUID
	running    bool
	scheduler *boundary.Scheduler
	staleness *realtime.StalenessMonitor
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New wires a session. Nothing runs until Start.
func New(remote Remote, feed realtime.ChangeFeed, kv storage.Store, clock clockwork.Clock, config Config) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &Session{
		remote: remote,
		kv:     kv,
		clock:  clock,
		config: config,
		prefs:  NewPreferences(kv),
	}
	s.tracker = clocksync.NewTracker(remote, clock, config.Clock)
	s.store = NewStore(s.tracker.ServerNow)
	s.coordinator = fetch.NewCoordinator(remote, s.store, clock, config.Fetch)
	s.merger = realtime.NewMerger(feed, s.store)
	s.guard = optimistic.NewGuard(remote, s.store)
	return s
}

// Store returns the session's record store
func (s *Session) Store() *Store { return s.store }

// Tracker returns the clock offset tracker
func (s *Session) Tracker() *clocksync.Tracker { return s.tracker }

// Preferences returns the persisted display preference
func (s *Session) Preferences() *Preferences { return s.prefs }

// Scheduler returns the running boundary scheduler, nil when stopped
func (s *Session) Scheduler() *boundary.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}

// Start synchronizes the clock, performs the first refresh, subscribes to changes
// and starts the scheduler for userID. A terminal refresh failure is left in the
// store status for Retry or RepairSession; Start still brings the session up so the
// safety net keeps trying. The network calls run outside the session lock and are
// cancelled by a concurrent Stop.
func (s *Session) Start(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("start session: %w", models.ErrNoSession)
	}

	s.mu.Lock()
	if s.running && s.userID == userID {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.Stop()

	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.userID = userID
	s.running = true
	s.store.Begin(userID)
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	_ = s.tracker.Sync(runCtx)
	if err := s.coordinator.Refresh(runCtx, userID); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("initial refresh failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.generation != generation {
		log.Info().Str("user_id", userID.String()).Msg("session stopped while starting")
		return fmt.Errorf("start session: %w", context.Canceled)
	}

	if s.config.Clock.ResyncInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.resync(runCtx)
		}()
	}

	if err := s.merger.Start(runCtx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("change feed unavailable, relying on safety net")
	}

	s.scheduler = boundary.NewScheduler(s.clock, s.tracker, boundary.NewMarker(s.kv), s.advance(userID), s.config.Scheduler)
	s.staleness = realtime.NewStalenessMonitor(s.store.LastConfirmed, s.forceRefresh(userID), s.config.Staleness)
	s.scheduler.Observe(s.staleness.Observe)

	scheduler := s.scheduler
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := scheduler.Run(runCtx); err != nil {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("boundary scheduler stopped")
		}
	}()

	log.Info().
		Str("user_id", userID.String()).
		Int64("offset_ms", s.tracker.OffsetMillis()).
		Msg("session started")
	return nil
}

func (s *Session) resync(ctx context.Context) {
	ticker := s.clock.NewTicker(s.config.Clock.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = s.tracker.Sync(ctx)
		}
	}
}

// advance is the tick trigger: it calls the remote advance procedure and merges
// the granted record.
func (s *Session) advance(userID uuid.UUID) boundary.TriggerFunc {
	return func(ctx context.Context, id boundary.ID) error {
		fields, err := s.remote.AdvanceState(ctx, userID)
		if err != nil {
			return fmt.Errorf("advance state at boundary %s: %w", id, err)
		}
		s.store.MergeFields(SourceAdvance, fields)
		return nil
	}
}

// forceRefresh runs the refresh off the scheduler loop so a slow fetch never
// stalls boundary detection.
func (s *Session) forceRefresh(userID uuid.UUID) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.coordinator.Refresh(ctx, userID)
		}()
	}
}

// Stop tears the session down: timers stop, the feed is unsubscribed and
// in-flight background work is waited for. The record is kept.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.scheduler = nil
	s.staleness = nil
	userID := s.userID
	s.mu.Unlock()

	cancel()
	s.merger.Stop()
	s.wg.Wait()
	s.coordinator.Stop()

	log.Info().Str("user_id", userID.String()).Msg("session stopped")
}

// SignOut stops the session and drops the local record
func (s *Session) SignOut() {
	s.Stop()
	s.mu.Lock()
	s.userID = uuid.Nil
	s.mu.Unlock()
	s.store.Reset()
}

func (s *Session) currentUser() (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return uuid.Nil, models.ErrNoSession
	}
	return s.userID, nil
}

// Retry re-runs the full refresh, typically after a terminal fetch failure
func (s *Session) Retry(ctx context.Context) error {
	userID, err := s.currentUser()
	if err != nil {
		return err
	}
	return s.coordinator.Refresh(ctx, userID)
}

// RepairSession clears every persisted local artifact and restarts the session.
// Some terminal failures stem from corrupted local state rather than the network.
func (s *Session) RepairSession(ctx context.Context) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	if userID == uuid.Nil {
		return models.ErrNoSession
	}

	log.Warn().Str("user_id", userID.String()).Msg("repairing session, clearing local state")

	s.Stop()
	if err := s.kv.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear local state: %w", err)
	}
	s.store.Reset()
	return s.Start(ctx, userID)
}

// Toggle flips a boolean field optimistically
func (s *Session) Toggle(ctx context.Context, field string) error {
	userID, err := s.currentUser()
	if err != nil {
		return err
	}
	return s.guard.Toggle(ctx, userID, field)
}

// Mutate runs a non-optimistic action such as a purchase and merges its result.
// Rejections are returned and never retried.
func (s *Session) Mutate(ctx context.Context, action string, params models.Fields) error {
	userID, err := s.currentUser()
	if err != nil {
		return err
	}

	fields, err := s.remote.Mutate(ctx, userID, action, params)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Str("action", action).Msg("mutation failed")
		return fmt.Errorf("%s: %w", action, err)
	}
	s.store.MergeFields(optimistic.SourceMutation, fields)
	return nil
}

// NotifyForeground requests an immediate boundary check after the settle delay
func (s *Session) NotifyForeground() {
	if scheduler := s.Scheduler(); scheduler != nil {
		scheduler.NotifyForeground()
	}
}

// Running reports whether the session is started
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Forced returns how many refreshes the staleness monitor forced this run
func (s *Session) Forced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleness == nil {
		return 0
	}
	return s.staleness.Forced()
}
