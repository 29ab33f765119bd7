package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orionX123/billing/internal/config"
	"github.com/orionX123/billing/internal/connectors/service"
	httpapp "github.com/orionX123/billing/internal/http"
	"github.com/orionX123/billing/internal/http/handlers"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/sync"
	"github.com/orionX123/billing/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, webhook ingestion, and background sync loops.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExitError(runServe())
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	var pool *sync.WorkerPool
	if eng.jobs == nil {
		pool = sync.NewWorkerPool(cfg.SyncWorkers, cfg.SyncQueueSize, logger)
		eng.orch.SetDispatcher(pool)
	}

	svc := service.New(eng.queries, eng.registry, eng.vault, eng.orch)
	svc.SetNotifier(eng.notifier)
	svc.SetLogger(logger)
	svc.SetProbeTimeout(cfg.AdapterRequestTimeout)
	if _, err := service.SeedCatalog(ctx, eng.queries, eng.registry); err != nil {
		return err
	}

	ingestor := webhook.NewIngestor(eng.queries, eng.registry, eng.vault, eng.orch)
	ingestor.SetLogger(logger)
	if cfg.RedisURL != "" {
		client, err := webhook.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		ingestor.SetDeduper(webhook.NewRedisDeduper(client, cfg.WebhookDedupTTL))
	}

	es := httpapp.NewEchoServer(&handlers.Handlers{
		Connectors:          svc,
		Webhooks:            ingestor,
		Health:              eng.pool,
		WebhookMaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           es.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr, "queue_mode", cfg.SyncQueueMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case err := <-metricsErr:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if pool != nil {
		g.Go(func() error { return pool.Run(gctx, eng.orch) })
	}
	g.Go(func() error {
		eng.runBackground(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}
