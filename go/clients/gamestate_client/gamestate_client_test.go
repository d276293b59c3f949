package gamestate_client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/empire/go/internal/devserver"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 14, 12, 0, 30, 0, time.UTC)

func newTestClient(t *testing.T) (*GameStateClient, *devserver.World, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	world := devserver.NewWorld(clock, devserver.DefaultEconomy())
	server := httptest.NewServer(devserver.NewServerHandler(devserver.NewHandler(world), devserver.NewHub(devserver.DefaultHubConfig())))
	t.Cleanup(server.Close)
	return NewGameStateClient(server.URL, "dev-token"), world, clock
}

func TestGetServerTime(t *testing.T) {
	client, _, _ := newTestClient(t)

	got, err := client.GetServerTime(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(epoch))
}

func TestHealth(t *testing.T) {
	client, _, _ := newTestClient(t)
	require.NoError(t, client.Health())

	broken := NewGameStateClient("http://127.0.0.1:1", "")
	assert.Error(t, broken.Health())
}

func TestGetStateNotFoundThenCreate(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := client.GetState(ctx, userID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	created, err := client.CreateDefaultState(ctx, userID, models.Fields{"gold": 250.0})
	require.NoError(t, err)
	assert.Equal(t, 250.0, created.Float("gold"))
	assert.Equal(t, 50.0, created.Float("food"))

	fields, err := client.GetState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, created, fields)
}

func TestGetProfile(t *testing.T) {
	client, world, _ := newTestClient(t)
	userID := uuid.New()
	world.SetAdmin(userID, true)

	profile, err := client.GetProfile(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, profile.IsAdmin)
	assert.Contains(t, profile.LayoutConfig, "panels")

	other, err := client.GetProfile(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, other.IsAdmin)
}

func TestAdvanceStateAndRanking(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := client.CreateDefaultState(ctx, userID, nil)
	require.NoError(t, err)

	same, err := client.AdvanceState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, same.Float("gold"))

	clock.Advance(2 * time.Minute)
	advanced, err := client.AdvanceState(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 120.0, advanced.Float("gold"))
	assert.Equal(t, 2.0, advanced.Float("turns"))

	ranking, err := client.GetDerivedRanking(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ranking.Float("rank"))
	assert.Equal(t, 1.0, ranking.Float("players"))
}

func TestMutate(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := client.CreateDefaultState(ctx, userID, nil)
	require.NoError(t, err)

	t.Run("toggle", func(t *testing.T) {
		fields, err := client.Mutate(ctx, userID, devserver.ActionToggle, models.Fields{"field": "auto_explore", "value": true})
		require.NoError(t, err)
		assert.True(t, fields.Bool("auto_explore"))
	})

	t.Run("purchase", func(t *testing.T) {
		fields, err := client.Mutate(ctx, userID, devserver.ActionPurchase, models.Fields{"item": "granary"})
		require.NoError(t, err)
		assert.Equal(t, 60.0, fields.Float("gold"))
		assert.Equal(t, 1.0, fields.Float("granary_count"))
	})

	t.Run("rejected", func(t *testing.T) {
		_, err := client.Mutate(ctx, userID, devserver.ActionPurchase, models.Fields{"item": "barracks"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrMutationRejected))
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := client.Mutate(ctx, userID, "demolish", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrMutationRejected))
	})
}

func TestMapError(t *testing.T) {
	plain := errors.New("connection refused")
	err := mapError("get state", plain)
	assert.ErrorIs(t, err, plain)
	assert.False(t, errors.Is(err, models.ErrNotFound))

	err = mapError("get state", connect.NewError(connect.CodeUnavailable, plain))
	assert.False(t, errors.Is(err, models.ErrNotFound))
	assert.False(t, errors.Is(err, models.ErrMutationRejected))
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
}
