// Package app assembles the components shared by the binaries from Config.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/wearablesync/internal/config"
	"example.com/wearablesync/internal/ingest"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/oauth"
	"example.com/wearablesync/internal/observability"
	"example.com/wearablesync/internal/outbox"
	"example.com/wearablesync/internal/persistence/postgres"
	"example.com/wearablesync/internal/scheduler"
	"example.com/wearablesync/internal/supervisor"
	"example.com/wearablesync/internal/syncer"
	"example.com/wearablesync/internal/tokenstore"
	httptransport "example.com/wearablesync/internal/transport/http"
	"example.com/wearablesync/internal/wearable"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// OpenPool connects to Postgres and verifies the connection.
func OpenPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// OAuthClient builds the token endpoint client.
func OAuthClient(cfg *config.Config) *oauth.Client {
	return oauth.NewClient(oauth.Config{
		ClientID:     cfg.Wearable.ClientID,
		ClientSecret: cfg.Wearable.ClientSecret,
		AuthURL:      cfg.Wearable.AuthURL,
		TokenURL:     cfg.Wearable.TokenURL,
		RedirectURL:  cfg.Wearable.RedirectURL,
		Scopes:       cfg.Wearable.Scopes,
		Timeout:      cfg.Wearable.Timeout,
	})
}

// Tokens builds the credential store backed by Postgres.
func Tokens(cfg *config.Config, pool *pgxpool.Pool) *tokenstore.Store {
	return tokenstore.New(postgres.NewCredentialRepository(pool), OAuthClient(cfg))
}

// SyncRunner builds the full sync pipeline: upstream client, merge, upsert and
// the retrying runner that audits every run.
func SyncRunner(cfg *config.Config, pool *pgxpool.Pool) *scheduler.Runner {
	records := postgres.NewDailyRecordStore(pool)
	fetcher := wearable.NewClient(wearable.Config{
		BaseURL:   cfg.Wearable.BaseURL,
		Timeout:   cfg.Wearable.Timeout,
		RateLimit: cfg.Wearable.RateLimit,
		RateBurst: cfg.Wearable.RateBurst,
	})
	orchestrator := syncer.New(
		Tokens(cfg, pool),
		fetcher,
		records,
		ingest.New(records),
		syncer.Config{LookbackDays: cfg.Sync.LookbackDays},
	)
	return scheduler.New(orchestrator, postgres.NewSyncRunRepository(pool), scheduler.Config{
		Interval:   cfg.Sync.Interval,
		RunOnStart: cfg.Sync.RunOnStart,
	})
}

// Dispatcher builds the outbox relay and the producer it owns.
func Dispatcher(cfg *config.Config, pool *pgxpool.Pool) (*outbox.Dispatcher, *outbox.KafkaProducer) {
	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithRetryBaseDelay(cfg.DLQBaseDelay))
	return dispatcher, producer
}

// NewHTTPService wraps handler in a supervised server on address.
func NewHTTPService(name, address string, handler http.Handler) *httptransport.Service {
	server := httptransport.NewServer(ServerConfig(address), handler)
	return httptransport.NewService(name, server, ShutdownTimeout)
}

// ServerConfig returns the timeouts every listener uses.
func ServerConfig(address string) httptransport.ServerConfig {
	return httptransport.ServerConfig{
		Address:      address,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewTree builds the supervisor tree and registers the metrics listener.
func NewTree(name string, cfg *config.Config) *supervisor.Tree {
	tree := supervisor.New(name, supervisor.DefaultConfig(), logging.Component("supervisor"))
	tree.AddServer(NewHTTPService("metrics-server", cfg.MetricsAddress, observability.MetricsHandler()))
	return tree
}

// InitLogging applies the configured log settings.
func InitLogging(cfg *config.Config) {
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
