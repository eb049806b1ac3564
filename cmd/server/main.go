package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/garnizeh/dispatch/internal/config"
	"github.com/garnizeh/dispatch/internal/database"
	"github.com/garnizeh/dispatch/internal/logging"
	"github.com/garnizeh/dispatch/internal/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		base := logging.Base()
		base.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "dispatch-server"})
	log := logging.WithComponent("main")

	db, err := database.InitDB(ctx, cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("failed to initialize database")
	}
	store := database.NewStore(db)

	srv := server.New(cfg, store)
	srv.RegisterRoutes()

	log.Info().Str("port", cfg.Port).Msg("starting server")

	// Start owns the store and closes it on shutdown.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(sigCtx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}

	log.Info().Msg("server exited cleanly")
}
