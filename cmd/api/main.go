package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "movie-history-sync/internal/api"
	"movie-history-sync/internal/catalog"
	"movie-history-sync/internal/config"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/queue"
	"movie-history-sync/internal/ratelimit"
	"movie-history-sync/internal/store"
	"movie-history-sync/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb)
	limiter := ratelimit.NewTokenBucket(rdb, "rl:enqueue", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	cat := catalog.New(catalog.Config{
		BaseURL: cfg.CatalogBaseURL,
		APIKey:  cfg.CatalogAPIKey,
		Timeout: cfg.ProviderTimeout,
		Retry: provider.RetryPolicy{
			MaxRetries: cfg.ProviderMaxRetries,
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
		},
		Limiter: ratelimit.NewTokenBucket(rdb, "rl:tmdb", cfg.CatalogRateCapacity, cfg.CatalogRateRefill, time.Hour),
	})

	ingestor := webhook.New(webhook.Config{
		CompletionThreshold: cfg.WebhookCompletionThreshold,
		MatchTimeout:        cfg.WebhookMatchTimeout,
		DeferMatching:       cfg.WebhookDeferMatching,
		StateTTL:            cfg.WebhookStateTTL,
		Secret:              cfg.PlexWebhookSecret,
		ProviderTimeout:     cfg.ProviderTimeout,
	}, st, cat, rdb, q)

	server := api.New(cfg, st, cat, q, limiter, ingestor)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("env", cfg.Env).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("api stopped")
}
