package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/orionX123/billing/internal/config"
	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/sync"
)

type syncOptions struct {
	ConnectorID string
	TenantID    string
	Direction   string
	EntityTypes []string
}

var syncFlags syncOptions

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one manual sync for a connector in the foreground.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(syncFlags)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncFlags.ConnectorID, "connector", "", "connector id (required)")
	syncCmd.Flags().StringVar(&syncFlags.TenantID, "tenant", "", "tenant id; defaults to the connector's tenant")
	syncCmd.Flags().StringVar(&syncFlags.Direction, "direction", "", "inbound, outbound, or bidirectional; defaults to the connector's settings")
	syncCmd.Flags().StringSliceVar(&syncFlags.EntityTypes, "entity", nil, "entity types to sync; defaults to the connector's settings")
	_ = syncCmd.MarkFlagRequired("connector")
}

func runSync(opts syncOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	vault, err := loadVault(ctx, cfg)
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := slog.Default()
	queries := db.New(pool)
	orch := sync.NewOrchestrator(queries, reg, vault)
	orch.SetReporter(&sync.LogReporter{Logger: logger})
	orch.SetLogger(logger)
	orch.SetMaxRunDuration(cfg.SyncMaxRunDuration)
	locks, err := sync.NewLockManager(pool, sync.LockManagerConfig{Mode: cfg.SyncLockMode})
	if err != nil {
		return err
	}
	orch.SetLockManager(locks)

	run, syncErr := syncConnector(ctx, queries, orch, opts)
	if syncErr == nil && run.Status != db.SyncStatusCompleted {
		msg := run.Status
		if run.ErrorMessage != nil {
			msg = *run.ErrorMessage
		}
		syncErr = fmt.Errorf("sync %s %s: %s", run.ID, run.Status, msg)
	}
	if syncErr == nil {
		logger.Info("sync completed",
			"sync_log_id", run.ID,
			"records_processed", run.RecordsProcessed,
			"records_successful", run.RecordsSuccessful,
			"records_failed", run.RecordsFailed,
		)
		return nil
	}
	if errors.Is(syncErr, context.Canceled) {
		return &exitError{code: 130, err: syncErr, silent: true}
	}
	return &exitError{code: 1, err: syncErr, silent: false}
}

// syncConnector triggers a manual run and executes it on the calling
// goroutine instead of handing it to a worker.
func syncConnector(ctx context.Context, store sync.Store, orch *sync.Orchestrator, opts syncOptions) (db.SyncLog, error) {
	connectorID, err := uuid.Parse(opts.ConnectorID)
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("invalid --connector: %w", err)
	}
	conn, err := store.GetConnectorByID(ctx, connectorID)
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("load connector: %w", err)
	}
	if opts.TenantID != "" {
		tenantID, err := uuid.Parse(opts.TenantID)
		if err != nil {
			return db.SyncLog{}, fmt.Errorf("invalid --tenant: %w", err)
		}
		if tenantID != conn.TenantID {
			return db.SyncLog{}, fmt.Errorf("load connector: %w", db.ErrNotFound)
		}
	}

	var queued []sync.Job
	orch.SetDispatcher(sync.DispatcherFunc(func(_ context.Context, job sync.Job) error {
		queued = append(queued, job)
		return nil
	}))
	run, err := orch.Trigger(ctx, sync.TriggerRequest{
		TenantID:    conn.TenantID,
		ConnectorID: conn.ID,
		SyncType:    registry.SyncTypeManual,
		Direction:   opts.Direction,
		EntityTypes: opts.EntityTypes,
	})
	if err != nil {
		return db.SyncLog{}, err
	}
	for _, job := range queued {
		if err := orch.Execute(ctx, job); err != nil {
			return db.SyncLog{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return db.SyncLog{}, err
	}
	return store.GetSyncLog(ctx, run.ID)
}
