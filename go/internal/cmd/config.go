package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mcdev12/empire/go/internal/session"
	"gopkg.in/yaml.v3"
)

// Config is the headless client configuration. The YAML file is optional;
// environment variables override it.
type Config struct {
	Remote struct {
		URL       string `yaml:"url"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"remote"`

	Feed struct {
		// Kind is websocket, jetstream, pgnotify or none
		Kind          string `yaml:"kind"`
		WebSocketURL  string `yaml:"websocket_url"`
		Codec         string `yaml:"codec"`
		NATSURL       string `yaml:"nats_url"`
		NotifyChannel string `yaml:"notify_channel"`
	} `yaml:"feed"`

	Storage struct {
		// Kind is memory, file or postgres
		Kind         string `yaml:"kind"`
		Path         string `yaml:"path"`
		Installation string `yaml:"installation"`
	} `yaml:"storage"`

	Sync struct {
		ResyncInterval time.Duration `yaml:"resync_interval"`
		FetchTimeout   time.Duration `yaml:"fetch_timeout"`
		MaxAttempts    int           `yaml:"max_attempts"`
		StaleThreshold time.Duration `yaml:"stale_threshold"`
	} `yaml:"sync"`
}

func defaultConfig() *Config {
	var c Config
	c.Remote.URL = "http://localhost:8090"
	c.Feed.Kind = "websocket"
	c.Feed.WebSocketURL = "ws://localhost:8090/realtime"
	c.Feed.Codec = "json"
	c.Storage.Kind = "file"
	c.Storage.Path = ".empire-state.yaml"
	c.Storage.Installation = "default"
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) applyEnv() {
	c.Remote.URL = getEnv("REMOTE_URL", c.Remote.URL)
	c.Remote.AuthToken = getEnv("AUTH_TOKEN", c.Remote.AuthToken)

	c.Feed.Kind = getEnv("FEED_KIND", c.Feed.Kind)
	c.Feed.WebSocketURL = getEnv("FEED_WEBSOCKET_URL", c.Feed.WebSocketURL)
	c.Feed.Codec = getEnv("FEED_CODEC", c.Feed.Codec)
	c.Feed.NATSURL = getEnv("NATS_URL", c.Feed.NATSURL)
	c.Feed.NotifyChannel = getEnv("CHANGES_NOTIFY_CHANNEL", c.Feed.NotifyChannel)

	c.Storage.Kind = getEnv("STORAGE_KIND", c.Storage.Kind)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.Installation = getEnv("INSTALLATION_ID", c.Storage.Installation)

	c.Sync.ResyncInterval = getEnvAsDuration("CLOCK_RESYNC_INTERVAL", c.Sync.ResyncInterval)
	c.Sync.FetchTimeout = getEnvAsDuration("FETCH_TIMEOUT", c.Sync.FetchTimeout)
	c.Sync.MaxAttempts = getEnvAsInt("FETCH_MAX_ATTEMPTS", c.Sync.MaxAttempts)
	c.Sync.StaleThreshold = getEnvAsDuration("STALE_THRESHOLD", c.Sync.StaleThreshold)
}

// sessionConfig overlays the non-zero sync settings on the defaults
func (c *Config) sessionConfig() session.Config {
	sc := session.DefaultConfig()
	if c.Sync.ResyncInterval > 0 {
		sc.Clock.ResyncInterval = c.Sync.ResyncInterval
	}
	if c.Sync.FetchTimeout > 0 {
		sc.Fetch.Timeout = c.Sync.FetchTimeout
	}
	if c.Sync.MaxAttempts > 0 {
		sc.Fetch.MaxAttempts = c.Sync.MaxAttempts
	}
	if c.Sync.StaleThreshold > 0 {
		sc.Staleness.Threshold = c.Sync.StaleThreshold
	}
	return sc
}
