package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mcdev12/empire/go/clients/gamestate_client"
	"github.com/mcdev12/empire/go/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	userID, err := uuid.Parse(getEnv("USER_ID", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("USER_ID must be a valid uuid")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, closeStorage, err := setupStorage(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Str("kind", config.Storage.Kind).Msg("failed to set up storage")
	}
	defer closeStorage()

	feed, closeFeed, err := setupFeed(config)
	if err != nil {
		log.Fatal().Err(err).Str("kind", config.Feed.Kind).Msg("failed to set up change feed")
	}
	defer closeFeed()

	remote := gamestate_client.NewGameStateClient(config.Remote.URL, config.Remote.AuthToken)
	if err := remote.Health(); err != nil {
		log.Warn().Err(err).Str("remote", config.Remote.URL).Msg("remote health check failed")
	}
	sess := session.New(remote, feed, kv, nil, config.sessionConfig())

	unwatch := sess.Store().Watch(func(snap session.Snapshot) {
		event := log.Info().
			Str("user_id", snap.UserID.String()).
			Bool("present", snap.Present).
			Bool("loading", snap.Status.Loading).
			Int("overlays", snap.Overlays).
			Time("last_confirmed", snap.LastConfirmed).
			Interface("fields", snap.Fields)
		if snap.Status.FetchErr != nil {
			event = event.AnErr("fetch_error", snap.Status.FetchErr)
		}
		event.Msg("state")
	})
	defer unwatch()

	log.Info().
		Str("user_id", userID.String()).
		Str("remote", config.Remote.URL).
		Str("feed", config.Feed.Kind).
		Str("storage", config.Storage.Kind).
		Msg("starting session")

	if err := sess.Start(ctx, userID); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}

	if mode, err := sess.Preferences().DisplayMode(ctx); err == nil {
		log.Info().Str("display_mode", string(mode)).Msg("loaded preferences")
	}

	// SIGHUP plays the role of the app returning to the foreground
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			log.Info().Msg("foreground signal, checking boundary")
			sess.NotifyForeground()
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		break
	}

	sess.SignOut()
	log.Info().Msg("session stopped")
}
