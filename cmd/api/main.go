package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"example.com/wearablesync/internal/api"
	"example.com/wearablesync/internal/app"
	"example.com/wearablesync/internal/auth"
	"example.com/wearablesync/internal/config"
	"example.com/wearablesync/internal/domain"
	"example.com/wearablesync/internal/logging"
	"example.com/wearablesync/internal/persistence/postgres"
	httptransport "example.com/wearablesync/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	app.InitLogging(cfg)
	logger := logging.Component("api-main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := app.OpenPool(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres unavailable")
	}
	defer pool.Close()

	service := domain.NewService(postgres.NewDailyRecordStore(pool), postgres.NewSyncRunRepository(pool))
	handler := api.NewHandler(service, api.Dependencies{
		Sync:        postgres.NewSyncRequestQueue(pool, cfg.Sync.RequestTopic),
		Authorizer:  app.OAuthClient(cfg),
		States:      postgres.NewOAuthStateRepository(pool),
		Credentials: app.Tokens(cfg, pool),
		StateTTL:    cfg.Sync.OAuthStateTTL,
	})

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	authn := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths(api.PublicPaths()...))
	root := httptransport.LogRequests(logging.Component("http"), authn.Wrap(mux))

	dispatcher, producer := app.Dispatcher(cfg, pool)
	defer producer.Close()

	tree := app.NewTree("wearable-api", cfg)
	tree.AddServer(app.NewHTTPService("api-server", cfg.HTTPAddress, root))
	tree.AddWorker(dispatcher)

	logger.Info().Str("addr", cfg.HTTPAddress).Str("metrics_addr", cfg.MetricsAddress).Msg("api starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("supervisor stopped")
	}
	logger.Info().Msg("api stopped")
}
