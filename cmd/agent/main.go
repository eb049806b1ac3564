package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garnizeh/dispatch/internal/agent"
	"github.com/garnizeh/dispatch/internal/logging"
)

func main() {
	cfg := agent.ParseConfig(os.Args[1:], os.Getenv)

	logging.Configure(logging.Config{Service: "dispatch-agent"})
	log := logging.WithComponent("main")

	// Crash simulation for resilience testing: hard exit, no cleanup, the
	// journal on disk is all the next run gets.
	if cfg.KillAfter > 0 {
		time.AfterFunc(cfg.KillAfter, func() {
			log.Warn().Dur("after", cfg.KillAfter).Msg("kill timer fired, exiting hard")
			os.Exit(1)
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg)
	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent failed")
		os.Exit(1)
	}

	log.Info().Msg("agent stopped gracefully")
}
