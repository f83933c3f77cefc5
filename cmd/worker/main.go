package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"movie-history-sync/internal/catalog"
	"movie-history-sync/internal/config"
	"movie-history-sync/internal/logging"
	"movie-history-sync/internal/provider"
	"movie-history-sync/internal/queue"
	"movie-history-sync/internal/ratelimit"
	"movie-history-sync/internal/store"
	"movie-history-sync/internal/telemetry"
	workerproc "movie-history-sync/internal/worker"
)

func main() {
	started := time.Now()
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("worker stopped")
	}
	holdMinRuntime(ctx, started, cfg.WorkerMinRuntime)
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.WithComponent("worker")

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return err
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb)

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

	posters, err := workerproc.NewPosterCache(ctx, cfg)
	if err != nil {
		return err
	}
	processor := workerproc.NewProcessor(cfg, st, cat, posters)
	loop := workerproc.NewLoop(cfg, st, processor, q)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return loop.Run(runCtx)
	})
	if !cfg.WorkerRunOnce {
		scheduler, err := workerproc.NewScheduler(cfg.CatalogResyncCron, st, q)
		if err != nil {
			return err
		}
		g.Go(func() error { return scheduler.Run(runCtx) })
	}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info().
		Dur("poll_interval", cfg.WorkerPollInterval).
		Dur("lease", cfg.JobLease).
		Bool("run_once", cfg.WorkerRunOnce).
		Msg("worker started")
	return g.Wait()
}

// holdMinRuntime keeps short-lived runs alive so a supervisor does not respawn
// the worker in a tight loop. A shutdown signal ends the wait.
func holdMinRuntime(ctx context.Context, started time.Time, minRuntime time.Duration) {
	remaining := minRuntime - time.Since(started)
	if remaining <= 0 {
		return
	}
	logging.Info().Dur("remaining", remaining).Msg("holding until minimum runtime")
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
