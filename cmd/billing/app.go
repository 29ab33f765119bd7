package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orionX123/billing/internal/config"
	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/quickbooks"
	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/connectors/restapi"
	"github.com/orionX123/billing/internal/connectors/shopify"
	"github.com/orionX123/billing/internal/connectors/stripe"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/notify"
	"github.com/orionX123/billing/internal/queue"
	"github.com/orionX123/billing/internal/secrets"
	"github.com/orionX123/billing/internal/sync"
)

// buildRegistry registers every built-in provider adapter.
func buildRegistry(cfg config.Config) (*registry.Registry, error) {
	opts := apiclient.Options{RequestTimeout: cfg.AdapterRequestTimeout}
	reg := registry.NewRegistry()
	for _, a := range []registry.Adapter{
		stripe.New(opts),
		quickbooks.New(opts),
		shopify.New(opts),
		restapi.New(opts),
	} {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// loadVault resolves the credential master key from ENCRYPTION_KEY or, when
// only a Vault path is configured, from HashiCorp Vault.
func loadVault(ctx context.Context, cfg config.Config) (*secrets.Vault, error) {
	var (
		key []byte
		err error
	)
	switch {
	case cfg.EncryptionKey != "":
		key, err = secrets.ParseKey(cfg.EncryptionKey)
	case cfg.VaultPath != "":
		key, err = secrets.LoadKeyFromVault(ctx, secrets.VaultKeyOptions{
			Address:   cfg.VaultAddr,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
			Path:      cfg.VaultPath,
			Field:     cfg.VaultField,
		})
	default:
		return nil, errors.New("no encryption key source configured")
	}
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	return secrets.New(key)
}

// engine bundles the components every long-running command shares.
type engine struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	queries  *db.Queries
	registry *registry.Registry
	vault    *secrets.Vault
	notifier notify.Notifier
	locks    sync.LockManager
	orch     *sync.Orchestrator
	jobs     *queue.JobQueue
}

func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine, error) {
	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	vault, err := loadVault(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		queries:  db.New(pool),
		registry: reg,
		vault:    vault,
	}

	locks, err := sync.NewLockManager(pool, sync.LockManagerConfig{Mode: cfg.SyncLockMode})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.locks = locks

	notifiers := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.SyncQueueMode == config.QueueModeNATS {
		jobs, err := queue.Connect(ctx, cfg.NATSURL, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.jobs = jobs
		natsNotifier, err := notify.NewNATSNotifier(jobs.Conn(), cfg.NotifySubject, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		notifiers = append(notifiers, natsNotifier)
	}
	e.notifier = notifiers

	orch := sync.NewOrchestrator(e.queries, reg, vault)
	orch.SetLockManager(locks)
	orch.SetNotifier(e.notifier)
	orch.SetReporter(&sync.LogReporter{Logger: logger})
	orch.SetLogger(logger)
	orch.SetMaxRunDuration(cfg.SyncMaxRunDuration)
	if e.jobs != nil {
		orch.SetDispatcher(e.jobs)
	}
	e.orch = orch
	return e, nil
}

func (e *engine) Close() {
	if e.jobs != nil {
		e.jobs.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

// runBackground runs the schedule and reaper loops until ctx is done. The
// schedule pass holds the scheduler lock so only one instance triggers
// scheduled runs at a time.
func (e *engine) runBackground(ctx context.Context) {
	schedule := sync.NewScheduleRunner(e.queries, e.orch, sync.RunPolicy{
		FailureBackoffBase: e.cfg.SyncFailureBackoffBase,
		FailureBackoffMax:  e.cfg.SyncFailureBackoffMax,
	})
	schedule.SetLogger(e.logger)

	reaper := sync.NewReaper(e.queries, e.cfg.SyncMaxRunDuration)
	reaper.SetNotifier(e.notifier)
	reaper.SetLogger(e.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s := sync.Scheduler{
			Name:     "reaper",
			Runner:   reaper,
			Interval: e.cfg.SyncReaperInterval,
			Logger:   e.logger,
		}
		s.Run(ctx)
	}()

	s := sync.Scheduler{
		Name:     "schedule",
		Runner:   sync.NewLockedRunner(e.locks, schedule, e.logger),
		Interval: e.cfg.SchedulerInterval,
		Logger:   e.logger,
	}
	s.Run(ctx)
	<-done
}
