package session

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
	"github.com/mcdev12/empire/go/internal/optimistic"
	"github.com/mcdev12/empire/go/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	clock  clockwork.Clock
	offset time.Duration

	mu         sync.Mutex
	fields     models.Fields
	advanceErr error
	mutateErr  error

	// set before Start
	blockRanking bool
	stateEntered chan struct{}
	stateGate    chan struct{}

	stateCalls   atomic.Int32
	advanceCalls atomic.Int32
	mutateCalls  atomic.Int32
}

func newFakeRemote(clock clockwork.Clock) *fakeRemote {
	return &fakeRemote{clock: clock, fields: models.Fields{"gold": 100.0, "auto_explore": false}}
}

func (r *fakeRemote) GetServerTime(ctx context.Context) (time.Time, error) {
	return r.clock.Now().Add(r.offset), nil
}

func (r *fakeRemote) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	return &models.Profile{}, nil
}

func (r *fakeRemote) GetState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	r.stateCalls.Add(1)
	if r.stateGate != nil {
		r.stateEntered <- struct{}{}
		select {
		case <-r.stateGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fields.Clone(), nil
}

func (r *fakeRemote) CreateDefaultState(ctx context.Context, userID uuid.UUID, defaults models.Fields) (models.Fields, error) {
	return defaults, nil
}

func (r *fakeRemote) GetDerivedRanking(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	if r.blockRanking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, models.ErrNotFound
}

func (r *fakeRemote) AdvanceState(ctx context.Context, userID uuid.UUID) (models.Fields, error) {
	r.advanceCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advanceErr != nil {
		return nil, r.advanceErr
	}
	r.fields["gold"] = r.fields.Float("gold") + 10
	return r.fields.Clone(), nil
}

func (r *fakeRemote) Mutate(ctx context.Context, userID uuid.UUID, action string, params models.Fields) (models.Fields, error) {
	r.mutateCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutateErr != nil {
		return nil, r.mutateErr
	}
	if action == optimistic.ActionToggle {
		r.fields[params.String("field")] = params["value"]
	}
	return r.fields.Clone(), nil
}

type fakeFeed struct {
	mu      sync.Mutex
	onEvent func(models.ChangeEvent)
	subs    int
	active  int
}

func (f *fakeFeed) Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs++
	f.active++
	f.onEvent = onEvent
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.active--
		f.onEvent = nil
	}, nil
}

func (f *fakeFeed) emit(ev models.ChangeEvent) {
	f.mu.Lock()
	fn := f.onEvent
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type harness struct {
	clock  *clockwork.FakeClock
	remote *fakeRemote
	feed   *fakeFeed
	kv     *storage.MemoryStore
	sess   *Session
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, DefaultConfig())
}

func newHarnessWithConfig(t *testing.T, config Config) *harness {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC))
	h := &harness{
		clock:  clock,
		remote: newFakeRemote(clock),
		feed:   &fakeFeed{},
		kv:     storage.NewMemoryStore(),
	}
	h.sess = New(h.remote, h.feed, h.kv, clock, config)
	t.Cleanup(h.sess.Stop)
	return h
}

func TestSession_StartFetchesAndSubscribes(t *testing.T) {
	h := newHarness(t)
	h.remote.offset = -90 * time.Second

	require.NoError(t, h.sess.Start(context.Background(), testUser))

	assert.True(t, h.sess.Running())
	assert.Equal(t, int64(-90000), h.sess.Tracker().OffsetMillis())
	assert.Equal(t, 100.0, h.sess.Store().View()["gold"])
	assert.Equal(t, 1, h.feed.active)

	h.feed.emit(models.ChangeEvent{UserID: testUser, Fields: models.Fields{"gold": 150.0, "turns": 5.0}})
	view := h.sess.Store().View()
	assert.Equal(t, 150.0, view["gold"])
	assert.Equal(t, 5.0, view["turns"])
}

func TestSession_StartIsIdempotentPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sess.Start(ctx, testUser))
	require.NoError(t, h.sess.Start(ctx, testUser))
	assert.Equal(t, 1, h.feed.subs)

	other := uuid.New()
	require.NoError(t, h.sess.Start(ctx, other))
	assert.Equal(t, 2, h.feed.subs)
	assert.Equal(t, 1, h.feed.active)
	assert.Equal(t, other, h.sess.Store().UserID())
}

func TestSession_StartRejectsNilUser(t *testing.T) {
	h := newHarness(t)
	err := h.sess.Start(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, models.ErrNoSession)
}

func TestSession_TickAdvancesState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, testUser))

	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return h.remote.advanceCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sess.Store().View()["gold"] == 110.0 }, time.Second, 5*time.Millisecond)

	// marker persisted for the current minute
	marker, err := h.kv.Get(ctx, storage.KeyLastBoundary)
	require.NoError(t, err)
	assert.NotEmpty(t, marker)

	// step into the next minute one tick at a time
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.remote.advanceCalls.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSession_SafetyNetForcesRefreshWhenSilent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.advanceErr = errors.New("advance unavailable")
	require.NoError(t, h.sess.Start(ctx, testUser))
	assert.Equal(t, int32(1), h.remote.stateCalls.Load())

	require.NoError(t, h.clock.BlockUntilContext(ctx, 2))
	// no advance or push confirms anything past the startup fetch at 12:00:30
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.remote.stateCalls.Load() == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.sess.Forced())
}

func TestSession_Toggle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, testUser))

	require.NoError(t, h.sess.Toggle(ctx, "auto_explore"))
	assert.Equal(t, true, h.sess.Store().View()["auto_explore"])
	assert.Zero(t, h.sess.Store().Snapshot().Overlays)
}

func TestSession_ToggleRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, testUser))
	h.remote.mutateErr = models.ErrMutationRejected

	err := h.sess.Toggle(ctx, "auto_explore")
	assert.ErrorIs(t, err, models.ErrMutationRejected)

	snap := h.sess.Store().Snapshot()
	assert.Equal(t, false, snap.Fields["auto_explore"])
	assert.ErrorIs(t, snap.Status.MutationErrors["auto_explore"], models.ErrMutationRejected)
}

func TestSession_MutateMergesResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Start(ctx, testUser))

	require.NoError(t, h.sess.Mutate(ctx, "purchase", models.Fields{"item": "granary"}))
	assert.Equal(t, int32(1), h.remote.mutateCalls.Load())

	h.remote.mutateErr = models.ErrMutationRejected
	err := h.sess.Mutate(ctx, "purchase", models.Fields{"item": "granary"})
	assert.ErrorIs(t, err, models.ErrMutationRejected)
	assert.Equal(t, int32(2), h.remote.mutateCalls.Load())
}

func TestSession_OperationsNeedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.sess.Toggle(ctx, "auto_explore"), models.ErrNoSession)
	assert.ErrorIs(t, h.sess.Mutate(ctx, "purchase", nil), models.ErrNoSession)
	assert.ErrorIs(t, h.sess.Retry(ctx), models.ErrNoSession)
	assert.ErrorIs(t, h.sess.RepairSession(ctx), models.ErrNoSession)
}

func TestSession_SignOutDropsRecord(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Start(context.Background(), testUser))

	h.sess.SignOut()

	assert.False(t, h.sess.Running())
	assert.Nil(t, h.sess.Store().Record())
	assert.Zero(t, h.feed.active)
	assert.Nil(t, h.sess.Scheduler())
}

func TestSession_RepairClearsLocalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, storage.KeyLastBoundary, "garbage"))
	require.NoError(t, h.sess.Preferences().SetDisplayMode(ctx, DisplayRetro))
	require.NoError(t, h.sess.Start(ctx, testUser))

	require.NoError(t, h.sess.RepairSession(ctx))

	_, err := h.kv.Get(ctx, storage.KeyLastBoundary)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
	mode, err := h.sess.Preferences().DisplayMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, DisplayStandard, mode)

	assert.True(t, h.sess.Running())
	assert.Equal(t, int32(2), h.remote.stateCalls.Load())
	assert.Equal(t, 1, h.feed.active)
}

func TestSession_StopCancelsRankingRead(t *testing.T) {
	config := DefaultConfig()
	config.Fetch.SecondaryTimeout = time.Minute
	h := newHarnessWithConfig(t, config)
	h.remote.blockRanking = true
	require.NoError(t, h.sess.Start(context.Background(), testUser))

	stopped := make(chan struct{})
	go func() {
		h.sess.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited on the ranking read")
	}
	assert.False(t, h.sess.Running())
}

func TestSession_StopWhileStarting(t *testing.T) {
	h := newHarness(t)
	h.remote.stateEntered = make(chan struct{}, 1)
	h.remote.stateGate = make(chan struct{})

	started := make(chan error, 1)
	go func() {
		started <- h.sess.Start(context.Background(), testUser)
	}()
	<-h.remote.stateEntered

	// the session lock is free while the first fetch is outstanding
	assert.Nil(t, h.sess.Scheduler())
	h.sess.NotifyForeground()
	assert.True(t, h.sess.Running())

	h.sess.Stop()

	select {
	case err := <-started:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.False(t, h.sess.Running())
	assert.Nil(t, h.sess.Scheduler())
	assert.Zero(t, h.feed.subs)
}
