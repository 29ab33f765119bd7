package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orionX123/billing/internal/config"
	"github.com/orionX123/billing/internal/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued sync jobs and run the schedule and reaper loops.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExitError(runWorker())
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SyncQueueMode != config.QueueModeNATS {
		return errors.New("worker requires SYNC_QUEUE_MODE=nats; inline mode runs syncs inside serve")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	_, metricsErr := metrics.StartServer(ctx, cfg.MetricsAddr)

	logger.Info("sync worker started", "workers", cfg.SyncWorkers, "scheduler_interval", cfg.SchedulerInterval)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.jobs.Consume(gctx, cfg.SyncWorkers, eng.orch, cfg.SyncMaxRunDuration)
	})
	g.Go(func() error {
		select {
		case err := <-metricsErr:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		eng.runBackground(gctx)
		return nil
	})
	return g.Wait()
}
