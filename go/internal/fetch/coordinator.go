// Package fetch coordinates full-state reads so at most one is outstanding per
// client instance.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Merge sources reported to the Sink
const (
	SourceFetch   = "fetch"
	SourceRanking = "ranking"
)

// StateReader defines what the coordinator needs from the remote state store
type StateReader interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	GetState(ctx context.Context, userID uuid.UUID) (models.Fields, error)
	CreateDefaultState(ctx context.Context, userID uuid.UUID, defaults models.Fields) (models.Fields, error)
	GetDerivedRanking(ctx context.Context, userID uuid.UUID) (models.Fields, error)
}

// Sink receives fetch results. The session store implements it.
type Sink interface {
	MergeFields(source string, fields models.Fields)
	SetProfile(profile *models.Profile)
	SetLoading(loading bool)
	SetFetchError(err error)
}

// Config holds fetch timings and bounds
type Config struct {
	Timeout          time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	SecondaryTimeout time.Duration
	// Defaults seed the record the first time a user has no state
	Defaults models.Fields
}

// DefaultConfig returns the observed client settings
func DefaultConfig() Config {
	return Config{
		Timeout:          10 * time.Second,
		MaxAttempts:      3,
		RetryDelay:       time.Second,
		SecondaryTimeout: 10 * time.Second,
		Defaults:         models.Fields{},
	}
}

// Coordinator is a single-flight full-state fetcher
type Coordinator struct {
	reader StateReader
	sink   Sink
	clock  clockwork.Clock
	config Config

	locked    atomic.Bool
	completed atomic.Uint64
	secondary sync.WaitGroup

	// background reads run under this context, not the caller's
	mu       sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewCoordinator creates a coordinator
func NewCoordinator(reader StateReader, sink Sink, clock clockwork.Clock, config Config) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Coordinator{
		reader: reader,
		sink:   sink,
		clock:  clock,
		config: config,
	}
}

// InFlight reports whether the fetch lock is held
func (c *Coordinator) InFlight() bool {
	return c.locked.Load()
}

// Refresh fetches the full authoritative record and merges it into the sink. A call
// made while another fetch holds the lock returns nil immediately without fetching.
// After MaxAttempts failures the terminal error is pushed to the sink and returned.
func (c *Coordinator) Refresh(ctx context.Context, userID uuid.UUID) error {
	if !c.locked.CompareAndSwap(false, true) {
		log.Debug().Str("user_id", userID.String()).Msg("fetch already in flight, skipping refresh")
		return nil
	}
	held := true
	defer func() {
		if held {
			c.locked.Store(false)
		}
	}()

	c.sink.SetLoading(true)
	generation := c.completed.Load()

	var lastErr error
	attempt := 1
	for {
		lastErr = c.attempt(ctx, userID)
		if lastErr == nil {
			c.completed.Add(1)
			held = false
			c.locked.Store(false)
			c.sink.SetFetchError(nil)
			c.sink.SetLoading(false)
			return nil
		}

		// released before the retry delay so the next legitimate call is not blocked
		held = false
		c.locked.Store(false)

		if attempt >= c.config.MaxAttempts || ctx.Err() != nil {
			break
		}

		log.Warn().
			Err(lastErr).
			Str("user_id", userID.String()).
			Int("attempt", attempt).
			Dur("retry_in", c.config.RetryDelay).
			Msg("state fetch failed, retrying")

		if !c.wait(ctx, c.config.RetryDelay) {
			break
		}
		if c.completed.Load() != generation {
			log.Debug().Str("user_id", userID.String()).Msg("another refresh succeeded during retry delay")
			return nil
		}
		if !c.locked.CompareAndSwap(false, true) {
			log.Debug().Str("user_id", userID.String()).Msg("another refresh took over during retry delay")
			return nil
		}
		held = true
		attempt++
	}

	terminal := fmt.Errorf("%w after %d attempts: %w", models.ErrRetriesExhausted, attempt, lastErr)
	log.Error().
		Err(lastErr).
		Str("user_id", userID.String()).
		Int("attempts", attempt).
		Msg("state fetch failed permanently")

	c.sink.SetFetchError(terminal)
	c.sink.SetLoading(false)
	return terminal
}

func (c *Coordinator) wait(ctx context.Context, d time.Duration) bool {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

type primaryResult struct {
	profile *models.Profile
	fields  models.Fields
	err     error
}

// attempt races the profile and state reads against the hard timeout. A read that
// finishes after the timeout lands in a buffered channel nobody reads.
func (c *Coordinator) attempt(ctx context.Context, userID uuid.UUID) error {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan primaryResult, 1)
	go func() {
		resultCh <- c.readPrimary(callCtx, userID)
	}()

	timeout := c.clock.NewTimer(c.config.Timeout)
	defer timeout.Stop()

	var res primaryResult
	select {
	case res = <-resultCh:
	case <-timeout.Chan():
		return fmt.Errorf("%w after %s", models.ErrFetchTimeout, c.config.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}

	if res.profile != nil {
		c.sink.SetProfile(res.profile)
	}
	c.sink.MergeFields(SourceFetch, res.fields)

	log.Debug().
		Str("user_id", userID.String()).
		Int("fields", len(res.fields)).
		Msg("merged fetched state")

	if ctx.Err() == nil {
		go c.fetchRanking(c.startSecondary(), userID)
	}
	return nil
}

// startSecondary registers a background read and returns the context it runs under
func (c *Coordinator) startSecondary() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bgCtx == nil {
		c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	}
	c.secondary.Add(1)
	return c.bgCtx
}

func (c *Coordinator) readPrimary(ctx context.Context, userID uuid.UUID) primaryResult {
	var res primaryResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		profile, err := c.reader.GetProfile(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to get profile: %w", err)
		}
		res.profile = profile
		return nil
	})

	g.Go(func() error {
		fields, err := c.reader.GetState(gctx, userID)
		if errors.Is(err, models.ErrNotFound) {
			log.Info().Str("user_id", userID.String()).Msg("no state for user, creating default record")
			fields, err = c.reader.CreateDefaultState(gctx, userID, c.config.Defaults.Clone())
			if err != nil {
				return fmt.Errorf("failed to create default state: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("failed to get state: %w", err)
		}
		res.fields = fields
		return nil
	})

	res.err = g.Wait()
	return res
}

// fetchRanking merges derived ranking fields. Failures are logged only.
func (c *Coordinator) fetchRanking(ctx context.Context, userID uuid.UUID) {
	defer c.secondary.Done()

	if c.config.SecondaryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.SecondaryTimeout)
		defer cancel()
	}

	fields, err := c.reader.GetDerivedRanking(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Debug().Str("user_id", userID.String()).Msg("no ranking for user yet")
			return
		}
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to fetch ranking")
		return
	}

	c.sink.MergeFields(SourceRanking, fields)
}

// Wait blocks until background ranking fetches finish
func (c *Coordinator) Wait() {
	c.secondary.Wait()
}

// Stop cancels background ranking fetches and waits for them. Later refreshes
// start a fresh background context.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.bgCancel
	c.bgCtx, c.bgCancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.secondary.Wait()
}
