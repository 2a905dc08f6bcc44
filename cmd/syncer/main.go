package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"example.com/wearablesync/internal/app"
	"example.com/wearablesync/internal/config"
	"example.com/wearablesync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	app.InitLogging(cfg)
	logger := logging.Component("syncer-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.OpenPool(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer pool.Close()

	dispatcher, producer := app.Dispatcher(cfg, pool)
	defer producer.Close()

	tree := app.NewTree("wearable-syncer", cfg)
	tree.AddWorker(app.SyncRunner(cfg, pool))
	tree.AddWorker(dispatcher)

	logger.Info().
		Dur("interval", cfg.Sync.Interval).
		Int("lookback_days", cfg.Sync.LookbackDays).
		Msg("syncer starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("syncer stopped")
}
