package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8090", config.Remote.URL)
	assert.Equal(t, "websocket", config.Feed.Kind)
	assert.Equal(t, "file", config.Storage.Kind)

	sc := config.sessionConfig()
	assert.Equal(t, 3, sc.Fetch.MaxAttempts)
	assert.Equal(t, 50*time.Second, sc.Staleness.Threshold)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote:
  url: http://game.internal:9000
feed:
  kind: jetstream
  nats_url: nats://nats.internal:4222
storage:
  kind: memory
sync:
  resync_interval: 5m
  max_attempts: 5
`), 0o600))

	t.Setenv("STORAGE_KIND", "postgres")
	t.Setenv("STALE_THRESHOLD", "30s")
	t.Setenv("FETCH_MAX_ATTEMPTS", "not-a-number")

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://game.internal:9000", config.Remote.URL)
	assert.Equal(t, "jetstream", config.Feed.Kind)
	assert.Equal(t, "nats://nats.internal:4222", config.Feed.NATSURL)
	assert.Equal(t, "postgres", config.Storage.Kind)
	// defaults survive a partial file
	assert.Equal(t, "json", config.Feed.Codec)

	sc := config.sessionConfig()
	assert.Equal(t, 5*time.Minute, sc.Clock.ResyncInterval)
	assert.Equal(t, 5, sc.Fetch.MaxAttempts)
	assert.Equal(t, 30*time.Second, sc.Staleness.Threshold)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote: [unterminated"), 0o600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestSetupFeedAndStorage(t *testing.T) {
	config := defaultConfig()

	config.Feed.Kind = "carrier-pigeon"
	_, _, err := setupFeed(config)
	assert.Error(t, err)

	config.Feed.Kind = "none"
	feed, closeFeed, err := setupFeed(config)
	require.NoError(t, err)
	defer closeFeed()
	unsubscribe, err := feed.Subscribe(t.Context(), uuid.New(), nil)
	require.NoError(t, err)
	unsubscribe()

	config.Storage.Kind = "memory"
	kv, closeStorage, err := setupStorage(t.Context(), config)
	require.NoError(t, err)
	defer closeStorage()
	require.NoError(t, kv.Set(t.Context(), "k", "v"))

	config.Storage.Kind = "tape"
	_, _, err = setupStorage(t.Context(), config)
	assert.Error(t, err)
}
