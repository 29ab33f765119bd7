package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/notify"
)

const defaultReapGrace = time.Minute

// Reaper fails runs that stayed pending or running past the maximum run
// duration, typically because their worker died. It implements Runner so it
// can share the Scheduler loop.
type Reaper struct {
	store    Store
	maxRun   time.Duration
	grace    time.Duration
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(store Store, maxRun time.Duration) *Reaper {
	if maxRun <= 0 {
		maxRun = defaultMaxRunDuration
	}
	return &Reaper{store: store, maxRun: maxRun, grace: defaultReapGrace, logger: slog.Default(), now: time.Now}
}

func (r *Reaper) SetNotifier(n notify.Notifier) { r.notifier = n }

func (r *Reaper) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

func (r *Reaper) SetGrace(d time.Duration) {
	if d >= 0 {
		r.grace = d
	}
}

func (r *Reaper) RunOnce(ctx context.Context) error {
	now := r.now()
	stale, err := r.store.ListStaleSyncLogs(ctx, now.Add(-r.maxRun-r.grace))
	if err != nil {
		return fmt.Errorf("list stale sync logs: %w", err)
	}

	var errs []error
	for _, run := range stale {
		if err := r.reap(ctx, run, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reaper) reap(ctx context.Context, run db.SyncLog, now time.Time) error {
	msg := fmt.Sprintf("run did not finish within %s", r.maxRun)
	t := newTally()
	t.summary.ErrorKind = registry.SyncErrorKindTimeout
	var err error
	if run.Status == db.SyncStatusPending {
		// Never picked up. A worker that starts it concurrently wins the
		// transition and the run is left alone.
		_, err = failPending(ctx, r.store, run.ID, now, msg, t.json())
	} else {
		_, err = r.store.FinishSyncLog(ctx, db.FinishSyncLogParams{
			ID:           run.ID,
			Status:       db.SyncStatusFailed,
			CompletedAt:  now,
			ErrorMessage: &msg,
			Summary:      t.json(),
		})
	}
	if errors.Is(err, db.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reap sync log %s: %w", run.ID, err)
	}
	metrics.SyncRunsReapedTotal.WithLabelValues(run.SyncType).Inc()
	r.logger.Warn("reaped stale sync run", "sync_log_id", run.ID, "connector_id", run.TenantConnectorID, "sync_type", run.SyncType, "status", run.Status)

	if run.SyncType == string(registry.SyncTypeWebhook) {
		return nil
	}
	conn, err := r.store.GetConnectorByID(ctx, run.TenantConnectorID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load connector %s: %w", run.TenantConnectorID, err)
	}
	if err := r.store.MarkConnectorFailed(ctx, conn.ID, msg); err != nil {
		return fmt.Errorf("mark connector %s failed: %w", conn.ID, err)
	}
	if r.notifier != nil {
		r.notifier.Notify(ctx, notify.Alert{
			Kind:          notify.KindSyncReaped,
			TenantID:      conn.TenantID,
			ConnectorID:   conn.ID,
			ConnectorName: conn.Name,
			ConnectorType: conn.TypeName,
			SyncLogID:     run.ID,
			Message:       msg,
			At:            now,
		})
	}
	return nil
}
