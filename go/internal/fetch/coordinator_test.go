package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUserID = uuid.MustParse("0a6b4e4e-6c37-4d3c-9c1f-2f5e0f3ad7c1")

type fakeReader struct {
	stateCalls   atomic.Int32
	profileCalls atomic.Int32
	createCalls  atomic.Int32

	stateStarted chan struct{}
	stateRelease chan struct{}

	state      func(call int32) (models.Fields, error)
	ranking    func(ctx context.Context) (models.Fields, error)
	createdFor models.Fields
	mu         sync.Mutex
}

func (f *fakeReader) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	f.profileCalls.Add(1)
	return &models.Profile{IsAdmin: false, LayoutConfig: map[string]any{"columns": 2.0}}, nil
}

func (f *fakeReader) GetState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	call := f.stateCalls.Add(1)
	if f.stateStarted != nil {
		f.stateStarted <- struct{}{}
	}
	if f.stateRelease != nil {
		select {
		case <-f.stateRelease:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.state == nil {
		return models.Fields{"gold": 100.0}, nil
	}
	return f.state(call)
}

func (f *fakeReader) CreateDefaultState(ctx context.Context, userID uuid.UUID, defaults models.Fields) (models.Fields, error) {
	f.createCalls.Add(1)
	f.mu.Lock()
	f.createdFor = defaults
	f.mu.Unlock()
	out := defaults.Clone()
	out["created"] = true
	return out, nil
}

func (f *fakeReader) GetDerivedRanking(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	if f.ranking == nil {
		return models.Fields{"rank": 7.0}, nil
	}
	return f.ranking(ctx)
}

type fakeSink struct {
	mu       sync.Mutex
	record   *models.UserRecord
	sources  []string
	profile  *models.Profile
	loading  bool
	loadings []bool
	err      error
}

func newFakeSink() *fakeSink {
	return &fakeSink{record: models.NewUserRecord(testUserID, nil)}
}

func (s *fakeSink) MergeFields(source string, fields models.Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Merge(fields)
	s.sources = append(s.sources, source)
}

func (s *fakeSink) SetProfile(profile *models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = profile
}

func (s *fakeSink) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
	s.loadings = append(s.loadings, loading)
}

func (s *fakeSink) SetFetchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSink) snapshot() (models.Fields, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Fields.Clone(), s.loading, s.err
}

func TestRefresh_MergesStateAndRanking(t *testing.T) {
	reader := &fakeReader{}
	sink := newFakeSink()
	sink.record.Merge(models.Fields{"banner": "red"})

	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), DefaultConfig())
	require.NoError(t, c.Refresh(context.Background(), testUserID))
	c.Wait()

	fields, loading, err := sink.snapshot()
	assert.NoError(t, err)
	assert.False(t, loading)
	assert.Equal(t, 100.0, fields["gold"])
	assert.Equal(t, 7.0, fields["rank"])
	// fields absent from the read are preserved
	assert.Equal(t, "red", fields["banner"])
	assert.Equal(t, []string{SourceFetch, SourceRanking}, sink.sources)
	assert.NotNil(t, sink.profile)
	assert.False(t, c.InFlight())
}

func TestRefresh_NotFoundCreatesDefault(t *testing.T) {
	reader := &fakeReader{
		state: func(int32) (models.Fields, error) { return nil, models.ErrNotFound },
	}
	sink := newFakeSink()

	config := DefaultConfig()
	config.Defaults = models.Fields{"gold": 500.0, "turns": 25.0}
	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), config)

	require.NoError(t, c.Refresh(context.Background(), testUserID))
	c.Wait()

	fields, _, err := sink.snapshot()
	require.NoError(t, err)
	assert.Equal(t, int32(1), reader.createCalls.Load())
	assert.Equal(t, 500.0, fields["gold"])
	assert.Equal(t, true, fields["created"])

	// the configured defaults are not handed out for mutation
	reader.mu.Lock()
	reader.createdFor["gold"] = 0.0
	reader.mu.Unlock()
	assert.Equal(t, 500.0, config.Defaults["gold"])
}

func TestRefresh_SingleFlight(t *testing.T) {
	reader := &fakeReader{
		stateStarted: make(chan struct{}, 1),
		stateRelease: make(chan struct{}),
	}
	sink := newFakeSink()
	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), DefaultConfig())

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), testUserID) }()

	<-reader.stateStarted
	assert.True(t, c.InFlight())

	// concurrent refresh is a no-op
	require.NoError(t, c.Refresh(context.Background(), testUserID))
	assert.Equal(t, int32(1), reader.stateCalls.Load())

	close(reader.stateRelease)
	require.NoError(t, <-done)
	c.Wait()

	assert.Equal(t, int32(1), reader.stateCalls.Load())
	assert.False(t, c.InFlight())
}

func TestRefresh_RetriesThenSurfacesTerminalError(t *testing.T) {
	reader := &fakeReader{
		state: func(int32) (models.Fields, error) { return nil, errors.New("connection refused") },
	}
	sink := newFakeSink()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(reader, sink, clock, DefaultConfig())

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), testUserID) }()

	var err error
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRetriesExhausted)
	assert.Equal(t, int32(3), reader.stateCalls.Load())

	_, loading, sinkErr := sink.snapshot()
	assert.False(t, loading, "loading indicator must be cleared")
	assert.ErrorIs(t, sinkErr, models.ErrRetriesExhausted)
	assert.False(t, c.InFlight())
}

func TestRefresh_RecoversOnRetry(t *testing.T) {
	reader := &fakeReader{
		state: func(call int32) (models.Fields, error) {
			if call == 1 {
				return nil, errors.New("gateway timeout")
			}
			return models.Fields{"gold": 250.0}, nil
		},
	}
	sink := newFakeSink()
	clock := clockwork.NewFakeClock()
	c := NewCoordinator(reader, sink, clock, DefaultConfig())

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), testUserID) }()

	// lock is released while the retry is pending
	require.Eventually(t, func() bool {
		return !c.InFlight() && reader.stateCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Second)
	require.NoError(t, <-done)
	c.Wait()

	fields, _, err := sink.snapshot()
	assert.NoError(t, err)
	assert.Equal(t, 250.0, fields["gold"])
	assert.Equal(t, int32(2), reader.stateCalls.Load())
}

func TestRefresh_HardTimeout(t *testing.T) {
	reader := &fakeReader{
		stateStarted: make(chan struct{}, 1),
		stateRelease: make(chan struct{}),
	}
	sink := newFakeSink()
	clock := clockwork.NewFakeClock()

	config := DefaultConfig()
	config.MaxAttempts = 1
	c := NewCoordinator(reader, sink, clock, config)

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background(), testUserID) }()

	<-reader.stateStarted
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	err := <-done
	assert.ErrorIs(t, err, models.ErrFetchTimeout)
	assert.ErrorIs(t, err, models.ErrRetriesExhausted)
	assert.False(t, c.InFlight())

	_, loading, _ := sink.snapshot()
	assert.False(t, loading)
}

func TestRefresh_RankingFailureIsNotSurfaced(t *testing.T) {
	reader := &fakeReader{
		ranking: func(context.Context) (models.Fields, error) { return nil, errors.New("ranking view unavailable") },
	}
	sink := newFakeSink()
	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), DefaultConfig())

	require.NoError(t, c.Refresh(context.Background(), testUserID))
	c.Wait()

	_, _, err := sink.snapshot()
	assert.NoError(t, err)
	assert.Equal(t, []string{SourceFetch}, sink.sources)
}

func TestStop_CancelsBackgroundRanking(t *testing.T) {
	rankingErr := make(chan error, 1)
	reader := &fakeReader{
		ranking: func(ctx context.Context) (models.Fields, error) {
			<-ctx.Done()
			rankingErr <- ctx.Err()
			return nil, ctx.Err()
		},
	}
	sink := newFakeSink()
	config := DefaultConfig()
	config.SecondaryTimeout = time.Minute
	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), config)

	require.NoError(t, c.Refresh(context.Background(), testUserID))

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the ranking read")
	}
	assert.ErrorIs(t, <-rankingErr, context.Canceled)
	assert.Equal(t, []string{SourceFetch}, sink.sources)

	// a refresh after Stop gets a live background context again
	reader.ranking = nil
	require.NoError(t, c.Refresh(context.Background(), testUserID))
	c.Wait()
	fields, _, _ := sink.snapshot()
	assert.Equal(t, 7.0, fields["rank"])
}

func TestRefresh_RankingOutlivesCallerContext(t *testing.T) {
	release := make(chan struct{})
	reader := &fakeReader{
		ranking: func(ctx context.Context) (models.Fields, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return models.Fields{"rank": 3.0}, nil
		},
	}
	sink := newFakeSink()
	c := NewCoordinator(reader, sink, clockwork.NewFakeClock(), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Refresh(ctx, testUserID))
	cancel()
	close(release)
	c.Wait()

	fields, _, _ := sink.snapshot()
	assert.Equal(t, 3.0, fields["rank"])
	assert.Equal(t, []string{SourceFetch, SourceRanking}, sink.sources)
}
