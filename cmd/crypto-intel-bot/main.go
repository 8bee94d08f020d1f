package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/app"
	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "schedule", "Run mode (once, schedule)")

	flag.Parse()

	proc, err := config.LoadProcess()
	if err != nil {
		log.Printf("failed to load process env: %v", err)

		return exitConfig
	}

	logger := newLogger(proc.AppEnv)

	cfg, err := config.Load(proc.ConfigPath)
	if err != nil {
		logger.Error().Err(err).Str("path", proc.ConfigPath).Msg("failed to load config")

		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.Storage.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open database")

		return exitError
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to run migrations")

		return exitError
	}

	application, err := app.New(ctx, cfg, proc, database, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize application")

		return exitError
	}

	if err := runMode(ctx, application, *mode); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("application stopped")

			return exitOK
		}

		logger.Error().Err(err).Msg("application error")

		return exitError
	}

	return exitOK
}

func newLogger(appEnv string) zerolog.Logger {
	if appEnv == "local" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func runMode(ctx context.Context, application *app.App, mode string) error {
	switch mode {
	case "once":
		return application.RunOnce(ctx)
	case "schedule":
		return application.RunSchedule(ctx)
	default:
		log.Printf("Usage: %s --mode=[once|schedule]", os.Args[0])

		return errors.New("unknown mode")
	}
}
