package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mcdev12/empire/go/internal/dbconfig"
	"github.com/mcdev12/empire/go/internal/devserver"
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
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if getEnv("LOG_LEVEL", "") == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	port := getEnv("PORT", "8090")
	natsURL := getEnv("NATS_URL", "")
	notifyChannel := getEnv("CHANGES_NOTIFY_CHANNEL", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	world := devserver.NewWorld(nil, devserver.DefaultEconomy())
	hub := devserver.NewHub(devserver.DefaultHubConfig())
	world.AddPublisher(hub)

	// Optional JetStream change stream
	if natsURL != "" {
		cfg := devserver.DefaultJetStreamConfig()
		cfg.URL = natsURL
		publisher, err := devserver.NewJetStreamPublisher(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream publisher")
		}
		defer publisher.Close()
		world.AddPublisher(publisher)
	}

	// Optional postgres change log with LISTEN/NOTIFY
	if notifyChannel != "" {
		dbCfg := dbconfig.NewConfigFromEnv(dbconfig.PrefixChanges)
		db, err := sql.Open("postgres", dbCfg.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}

		publisher, err := devserver.NewPGNotifyPublisher(ctx, db, notifyChannel)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create postgres publisher")
		}
		world.AddPublisher(publisher)
	}

	for _, id := range splitList(getEnv("ADMIN_USER_IDS", "")) {
		userID, err := uuid.Parse(id)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid ADMIN_USER_IDS")
		}
		world.SetAdmin(userID, true)
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     devserver.NewServerHandler(devserver.NewHandler(world), hub),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	log.Info().
		Str("port", port).
		Bool("jetstream", natsURL != "").
		Bool("pgnotify", notifyChannel != "").
		Msg("starting game state dev server")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("game state dev server shutdown complete")
}
