package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/wearablesync/internal/app"
	"example.com/wearablesync/internal/config"
	"example.com/wearablesync/internal/consumer"
	"example.com/wearablesync/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	app.InitLogging(cfg)
	logger := logging.Component("consumer-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.OpenPool(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer pool.Close()

	// Requests run through the same retrying runner as scheduled syncs; the
	// runner here never ticks on its own.
	handler := consumer.NewSyncRequestHandler(app.SyncRunner(cfg, pool), cfg.Sync.RequestMaxAge)

	tree := app.NewTree("wearable-consumer", cfg)
	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1e3,
			MaxBytes:        10e6,
			CommitInterval:  time.Second,
			RetentionTime:   24 * time.Hour,
			ReadLagInterval: -1,
		})
		defer reader.Close()

		tree.AddWorker(consumer.NewProcessor(reader, handler,
			consumer.WithLogger(logging.Component("consumer").With().Str("topic", topic).Logger())))
		logger.Info().Str("topic", topic).Str("group", cfg.ConsumerGroupID).Msg("consumer registered")
	}

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("consumer stopped")
}
