// Package main provides the entry point for the analysis worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/docreview/internal/config"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := config.EnsureAll(); err != nil {
		log.Warn().Err(err).Msg("Could not create data directory or settings file")
	}
	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Str("settings", config.SettingsPath()).Msg("Invalid configuration")
	}
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("version", Version).
		Int("port", cfg.WorkerPort).
		Int("workers", cfg.Workers).
		Msg("Starting docreview worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize worker")
	}
	if err := app.start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	app.shutdown(shutdownCtx)

	log.Info().Msg("Worker shutdown complete")
}

// setLogLevel applies a zerolog level name, keeping the current level when it is invalid.
func setLogLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		log.Warn().Str("level", name).Msg("Unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(level)
}
