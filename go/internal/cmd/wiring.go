package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/mcdev12/empire/go/internal/dbconfig"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/realtime"
	"github.com/mcdev12/empire/go/internal/storage"
	"github.com/rs/zerolog/log"
)

// noFeed never delivers; the staleness safety net keeps the record current.
type noFeed struct{}

func (noFeed) Subscribe(ctx context.Context, userID uuid.UUID, onEvent func(models.ChangeEvent)) (func(), error) {
	return func() {}, nil
}

// setupFeed builds the push channel named by the config. The returned cleanup
// releases connections the feed owns.
func setupFeed(config *Config) (realtime.ChangeFeed, func(), error) {
	switch config.Feed.Kind {
	case "websocket":
		cfg := realtime.DefaultWebSocketFeedConfig()
		cfg.URL = config.Feed.WebSocketURL
		cfg.Codec = config.Feed.Codec
		if config.Remote.AuthToken != "" {
			cfg.Header = http.Header{"Authorization": {"Bearer " + config.Remote.AuthToken}}
		}
		feed, err := realtime.NewWebSocketFeed(cfg, nil)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() {}, nil

	case "jetstream":
		cfg := realtime.DefaultJetStreamFeedConfig()
		if config.Feed.NATSURL != "" {
			cfg.URL = config.Feed.NATSURL
		}
		feed, err := realtime.NewJetStreamFeed(cfg)
		if err != nil {
			return nil, nil, err
		}
		return feed, func() {
			if err := feed.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close JetStream feed")
			}
		}, nil

	case "pgnotify":
		dbCfg := dbconfig.NewConfigFromEnv(dbconfig.PrefixChanges)
		db, err := sql.Open("postgres", dbCfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		cfg := realtime.DefaultPGNotifyConfig()
		cfg.DatabaseURL = dbCfg.DSN()
		if config.Feed.NotifyChannel != "" {
			cfg.NotifyChannel = config.Feed.NotifyChannel
		}
		log.Info().Str("database", dbCfg.Database).Str("channel", cfg.NotifyChannel).Msg("listening for change notifications")
		return realtime.NewPGNotifyFeed(db, cfg), func() { db.Close() }, nil

	case "none", "":
		return noFeed{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown feed kind: %s", config.Feed.Kind)
}

// setupStorage builds the local key/value store named by the config
func setupStorage(ctx context.Context, config *Config) (storage.Store, func(), error) {
	switch config.Storage.Kind {
	case "memory":
		return storage.NewMemoryStore(), func() {}, nil

	case "file":
		store, err := storage.NewFileStore(config.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "postgres":
		dbCfg := dbconfig.NewConfigFromEnv(dbconfig.PrefixPrefs)
		store, err := storage.NewPostgresStore(ctx, dbCfg.DSN(), config.Storage.Installation)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage kind: %s", config.Storage.Kind)
}
