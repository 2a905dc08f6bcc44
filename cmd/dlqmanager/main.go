package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"example.com/wearablesync/internal/app"
	"example.com/wearablesync/internal/config"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	app.InitLogging(cfg)
	logger := logging.Component("dlq-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.OpenPool(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer pool.Close()

	manager := outbox.NewDefaultDLQManager(pool, outbox.DLQConfig{
		MaxRetries:   cfg.DLQMaxRetries,
		BaseDelay:    cfg.DLQBaseDelay,
		PollInterval: cfg.DLQPollInterval,
	})

	tree := app.NewTree("wearable-dlq", cfg)
	tree.AddWorker(manager)

	logger.Info().Dur("poll_interval", cfg.DLQPollInterval).Int("max_retries", cfg.DLQMaxRetries).Msg("dlq manager starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("dlq manager stopped")
}
