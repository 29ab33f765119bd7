package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/mapping"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/notify"
	"github.com/orionX123/billing/internal/secrets"
)

const (
	defaultMaxRunDuration = 30 * time.Minute
	defaultOutboundBatch  = 500
	finishTimeout         = 10 * time.Second
	maxErrorMessageLen    = 2000
)

var errRunPanicked = errors.New("sync run panicked")

// Orchestrator owns every SyncLog transition and the connector health fields
// that follow from them.
type Orchestrator struct {
	store      Store
	registry   *registry.Registry
	vault      secrets.Sealer
	mapper     *mapping.Engine
	dispatcher Dispatcher
	locks      LockManager
	notifier   notify.Notifier
	reporter   registry.Reporter
	logger     *slog.Logger

	maxRunDuration time.Duration
	outboundBatch  int
	now            func() time.Time
}

func NewOrchestrator(store Store, reg *registry.Registry, vault secrets.Sealer) *Orchestrator {
	return &Orchestrator{
		store:          store,
		registry:       reg,
		vault:          vault,
		mapper:         mapping.NewEngine(),
		logger:         slog.Default(),
		maxRunDuration: defaultMaxRunDuration,
		outboundBatch:  defaultOutboundBatch,
		now:            time.Now,
	}
}

func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatcher = d }

func (o *Orchestrator) SetLockManager(m LockManager) { o.locks = m }

func (o *Orchestrator) SetNotifier(n notify.Notifier) { o.notifier = n }

func (o *Orchestrator) SetReporter(r registry.Reporter) { o.reporter = r }

func (o *Orchestrator) SetLogger(l *slog.Logger) {
	if l != nil {
		o.logger = l
	}
}

func (o *Orchestrator) SetMaxRunDuration(d time.Duration) {
	if d > 0 {
		o.maxRunDuration = d
	}
}

func (o *Orchestrator) SetOutboundBatch(n int) {
	if n > 0 {
		o.outboundBatch = n
	}
}

// MaxRunDuration is the deadline applied to each run.
func (o *Orchestrator) MaxRunDuration() time.Duration { return o.maxRunDuration }

type TriggerRequest struct {
	TenantID    uuid.UUID
	ConnectorID uuid.UUID
	SyncType    registry.SyncType
	// Direction and EntityTypes fall back to the connector's sync settings.
	Direction   string
	EntityTypes []string
}

// Trigger creates a pending SyncLog and hands the run to the dispatcher. It
// returns as soon as the log is durable.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (db.SyncLog, error) {
	syncType := req.SyncType
	if syncType == "" {
		syncType = registry.SyncTypeManual
	}
	if syncType == registry.SyncTypeWebhook {
		return db.SyncLog{}, errors.New("webhook runs are created by the webhook ingestor")
	}

	conn, err := o.store.GetConnector(ctx, req.TenantID, req.ConnectorID)
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("load connector: %w", err)
	}
	if conn.Status == db.ConnectorStatusInactive {
		return db.SyncLog{}, ErrConnectorInactive
	}
	if _, err := o.registry.Lookup(conn.TypeName); err != nil {
		return db.SyncLog{}, err
	}

	settings, err := ParseSettings(conn.SyncSettings)
	if err != nil {
		o.logger.Warn("ignoring malformed sync settings", "connector_id", conn.ID, "err", err)
	}
	dirRaw := req.Direction
	if strings.TrimSpace(dirRaw) == "" {
		dirRaw = settings.Direction
	}
	dir, ok := registry.ParseDirection(dirRaw)
	if !ok {
		return db.SyncLog{}, registry.ValidationErrors{{Key: "direction", Message: "must be inbound, outbound, or bidirectional"}}
	}
	requested := req.EntityTypes
	if len(requested) == 0 {
		requested = settings.EntityTypes
	}
	entities := registry.NormalizeEntityTypes(requested)
	if len(entities) == 0 {
		return db.SyncLog{}, registry.ValidationErrors{{Key: "entityTypes", Message: "no supported entity types requested"}}
	}

	run, err := o.store.CreateSyncLog(ctx, db.CreateSyncLogParams{
		TenantConnectorID: conn.ID,
		SyncType:          string(syncType),
		Direction:         string(dir),
		EntityTypes:       entities,
	})
	if err != nil {
		if errors.Is(err, db.ErrActiveSync) {
			metrics.SyncTriggersTotal.WithLabelValues(conn.TypeName, string(syncType), "already_running").Inc()
			return db.SyncLog{}, ErrSyncAlreadyRunning
		}
		return db.SyncLog{}, fmt.Errorf("create sync log: %w", err)
	}
	if err := o.dispatch(ctx, conn, run); err != nil {
		return db.SyncLog{}, err
	}
	metrics.SyncTriggersTotal.WithLabelValues(conn.TypeName, string(syncType), "accepted").Inc()
	o.logger.Info("sync triggered", "connector_id", conn.ID, "tenant_id", conn.TenantID, "sync_log_id", run.ID, "sync_type", syncType, "direction", dir)
	return run, nil
}

// TriggerWebhook persists an authenticated, decoded webhook event as a
// pending webhook run and dispatches it. Webhook runs bypass the one active
// run per connector rule.
func (o *Orchestrator) TriggerWebhook(ctx context.Context, conn db.TenantConnector, event registry.WebhookEvent) (db.SyncLog, error) {
	payload, err := encodeWebhookPayload(event)
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("encode webhook event: %w", err)
	}
	run, err := o.store.CreateSyncLog(ctx, db.CreateSyncLogParams{
		TenantConnectorID: conn.ID,
		SyncType:          string(registry.SyncTypeWebhook),
		Direction:         string(registry.DirectionInbound),
		EntityTypes:       eventEntityTypes(event),
		Payload:           payload,
	})
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("create sync log: %w", err)
	}
	if err := o.dispatch(ctx, conn, run); err != nil {
		return db.SyncLog{}, err
	}
	metrics.SyncTriggersTotal.WithLabelValues(conn.TypeName, string(registry.SyncTypeWebhook), "accepted").Inc()
	return run, nil
}

// RecordWebhookFailure logs an authenticated delivery that could not be
// decoded as a failed webhook run.
func (o *Orchestrator) RecordWebhookFailure(ctx context.Context, conn db.TenantConnector, cause error) (db.SyncLog, error) {
	run, err := o.store.CreateSyncLog(ctx, db.CreateSyncLogParams{
		TenantConnectorID: conn.ID,
		SyncType:          string(registry.SyncTypeWebhook),
		Direction:         string(registry.DirectionInbound),
	})
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("create sync log: %w", err)
	}
	return o.abandon(ctx, conn, run, "decode webhook: "+cause.Error())
}

func (o *Orchestrator) dispatch(ctx context.Context, conn db.TenantConnector, run db.SyncLog) error {
	var err error
	if o.dispatcher == nil {
		err = errors.New("no sync dispatcher configured")
	} else {
		err = o.dispatcher.Dispatch(ctx, Job{SyncLogID: run.ID, ConnectorID: conn.ID, SyncType: run.SyncType})
	}
	if err == nil {
		return nil
	}
	metrics.SyncTriggersTotal.WithLabelValues(conn.TypeName, run.SyncType, "dispatch_failed").Inc()
	if _, ferr := o.abandon(ctx, conn, run, "dispatch: "+err.Error()); ferr != nil {
		o.logger.Error("failed to close undispatched sync log", "sync_log_id", run.ID, "err", ferr)
	}
	return fmt.Errorf("dispatch sync: %w", err)
}

// abandon fails a pending run before the provider is contacted, so
// connector health is untouched. The run is still started first: no log
// reaches a terminal state without having been running.
func (o *Orchestrator) abandon(ctx context.Context, conn db.TenantConnector, run db.SyncLog, message string) (db.SyncLog, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	msg := registry.TruncateMessage(message, maxErrorMessageLen)
	t := newTally()
	out, err := failPending(fctx, o.store, run.ID, o.now(), msg, t.json())
	if err != nil {
		return db.SyncLog{}, fmt.Errorf("fail sync log: %w", err)
	}
	metrics.SyncRunsTotal.WithLabelValues(conn.TypeName, run.SyncType, db.SyncStatusFailed).Inc()
	o.logger.Warn("sync run abandoned", "connector_id", conn.ID, "sync_log_id", run.ID, "reason", msg)
	return out, nil
}

// Execute drives one dispatched run to a terminal state. Provider failures
// and panics are recorded on the SyncLog and never returned; the error
// result is reserved for infrastructure problems and lock loss.
func (o *Orchestrator) Execute(ctx context.Context, job Job) error {
	logger := o.logger.With("sync_log_id", job.SyncLogID, "connector_id", job.ConnectorID)

	run, err := o.store.GetSyncLog(ctx, job.SyncLogID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("sync log vanished before execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sync log: %w", err)
	}
	if run.Status != db.SyncStatusPending {
		logger.Info("sync job already handled", "status", run.Status)
		return nil
	}

	conn, err := o.store.GetConnectorByID(ctx, run.TenantConnectorID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("connector deleted before execution")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load connector: %w", err)
	}
	logger = logger.With("tenant_id", conn.TenantID, "connector_type", conn.TypeName, "sync_type", run.SyncType)

	if run.SyncType == string(registry.SyncTypeWebhook) || o.locks == nil {
		return o.execute(ctx, logger, conn, run)
	}

	lock, ok, err := o.locks.TryAcquire(ctx, ScopeConnector, conn.ID.String())
	if err != nil {
		_, _ = o.abandon(ctx, conn, run, "acquire connector lock: "+err.Error())
		return fmt.Errorf("acquire connector lock: %w", err)
	}
	if !ok {
		_, err := o.abandon(ctx, conn, run, "another sync holds the connector lock")
		return err
	}
	return runWithManagedLock(ctx, logger, lock, func(lockCtx context.Context) error {
		return o.execute(lockCtx, logger, conn, run)
	})
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, conn db.TenantConnector, run db.SyncLog) error {
	started := o.now()
	if _, err := o.store.StartSyncLog(ctx, run.ID, started); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			logger.Info("sync log left pending state before start")
			return nil
		}
		return fmt.Errorf("start sync log: %w", err)
	}
	logger.Info("sync run started", "direction", run.Direction, "entity_types", run.EntityTypes)

	runCtx, cancel := context.WithTimeout(ctx, o.maxRunDuration)
	defer cancel()

	t := newTally()
	runErr := o.safeRun(runCtx, logger, conn, run, t)
	o.finish(ctx, logger, conn, run, started, t, runErr)
	return nil
}

func (o *Orchestrator) safeRun(ctx context.Context, logger *slog.Logger, conn db.TenantConnector, run db.SyncLog, t *tally) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", errRunPanicked, r)
		}
	}()
	return o.run(ctx, conn, run, t)
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, conn db.TenantConnector, run db.SyncLog, started time.Time, t *tally, runErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	completed := o.now()
	if completed.Before(started) {
		completed = started
	}
	isWebhook := run.SyncType == string(registry.SyncTypeWebhook)
	params := db.FinishSyncLogParams{
		ID:                run.ID,
		Status:            db.SyncStatusCompleted,
		CompletedAt:       completed,
		RecordsProcessed:  t.total.Processed,
		RecordsSuccessful: t.total.Successful,
		RecordsFailed:     t.total.Failed,
	}
	metrics.SyncDuration.WithLabelValues(conn.TypeName, run.SyncType).Observe(completed.Sub(started).Seconds())

	if runErr == nil {
		params.Summary = t.json()
		if _, err := o.store.FinishSyncLog(fctx, params); err != nil {
			logger.Error("failed to complete sync log", "err", err)
			return
		}
		if !isWebhook {
			// The next incremental pull starts from when this run started, so
			// remote changes made while it ran are pulled again rather than
			// skipped. Re-pulling is harmless because upserts are idempotent.
			if err := o.store.MarkConnectorSynced(fctx, conn.ID, started); err != nil {
				logger.Error("failed to mark connector synced", "err", err)
			}
		}
		metrics.SyncRunsTotal.WithLabelValues(conn.TypeName, run.SyncType, db.SyncStatusCompleted).Inc()
		metrics.SyncLastSuccessTimestamp.WithLabelValues(conn.TypeName).Set(float64(completed.Unix()))
		logger.Info("sync run completed",
			"processed", t.total.Processed,
			"successful", t.total.Successful,
			"failed", t.total.Failed,
			"duration", completed.Sub(started),
		)
		return
	}

	msg := registry.TruncateMessage(runErr.Error(), maxErrorMessageLen)
	t.summary.ErrorKind = errorKind(runErr)
	params.Status = db.SyncStatusFailed
	params.ErrorMessage = &msg
	params.Summary = t.json()
	if _, err := o.store.FinishSyncLog(fctx, params); err != nil {
		logger.Error("failed to fail sync log", "err", err)
		return
	}
	if !isWebhook {
		if err := o.store.MarkConnectorFailed(fctx, conn.ID, msg); err != nil {
			logger.Error("failed to mark connector failed", "err", err)
		}
	}
	metrics.SyncRunsTotal.WithLabelValues(conn.TypeName, run.SyncType, db.SyncStatusFailed).Inc()
	logger.Warn("sync run failed", "error_kind", t.summary.ErrorKind, "processed", t.total.Processed, "err", runErr)

	if o.notifier != nil {
		o.notifier.Notify(fctx, notify.Alert{
			Kind:          notify.KindSyncFailed,
			TenantID:      conn.TenantID,
			ConnectorID:   conn.ID,
			ConnectorName: conn.Name,
			ConnectorType: conn.TypeName,
			SyncLogID:     run.ID,
			Message:       msg,
			At:            completed,
		})
	}
}

// failPending walks a pending log through running to failed, both stamped
// at the same instant.
func failPending(ctx context.Context, store Store, id uuid.UUID, at time.Time, msg string, summary []byte) (db.SyncLog, error) {
	if _, err := store.StartSyncLog(ctx, id, at); err != nil {
		return db.SyncLog{}, err
	}
	return store.FinishSyncLog(ctx, db.FinishSyncLogParams{
		ID:           id,
		Status:       db.SyncStatusFailed,
		CompletedAt:  at,
		ErrorMessage: &msg,
		Summary:      summary,
	})
}

func errorKind(err error) string {
	if errors.Is(err, secrets.ErrCorruptCredential) {
		return registry.SyncErrorKindCredential
	}
	return registry.ErrorKind(err)
}
