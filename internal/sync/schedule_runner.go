package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
)

// Triggerer creates sync runs.
type Triggerer interface {
	Trigger(ctx context.Context, req TriggerRequest) (db.SyncLog, error)
}

// ScheduleRunner triggers scheduled runs for every connector whose
// frequency and failure backoff say it is due.
type ScheduleRunner struct {
	store   Store
	trigger Triggerer
	policy  RunPolicy
	logger  *slog.Logger
}

func NewScheduleRunner(store Store, trigger Triggerer, policy RunPolicy) *ScheduleRunner {
	return &ScheduleRunner{store: store, trigger: trigger, policy: policy, logger: slog.Default()}
}

func (r *ScheduleRunner) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

func (r *ScheduleRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.store == nil || r.trigger == nil {
		return errors.New("schedule runner is not configured")
	}

	conns, err := r.store.ListSchedulableConnectors(ctx)
	if err != nil {
		return fmt.Errorf("list schedulable connectors: %w", err)
	}

	var (
		errs      []error
		triggered int
		busy      int
	)
	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := r.logger.With("connector_id", conn.ID, "connector_type", conn.TypeName)

		settings, err := ParseSettings(conn.SyncSettings)
		if err != nil {
			logger.Warn("skipping connector with malformed sync settings", "err", err)
			continue
		}
		if !settings.Scheduled() {
			continue
		}
		sched, err := settings.Schedule()
		if err != nil {
			logger.Warn("skipping connector with invalid frequency", "frequency", settings.Frequency, "err", err)
			continue
		}
		streak, err := r.store.GetFailureStreak(ctx, conn.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: failure streak: %w", conn.TypeName, conn.ID, err))
			continue
		}
		if !r.policy.Due(sched, conn, streak) {
			continue
		}

		_, err = r.trigger.Trigger(ctx, TriggerRequest{
			TenantID:    conn.TenantID,
			ConnectorID: conn.ID,
			SyncType:    registry.SyncTypeScheduled,
		})
		switch {
		case errors.Is(err, ErrSyncAlreadyRunning):
			busy++
			logger.Debug("scheduled sync skipped; run in progress")
		case err != nil:
			errs = append(errs, fmt.Errorf("%s %s: %w", conn.TypeName, conn.ID, err))
		default:
			triggered++
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if triggered == 0 && busy == 0 {
		return ErrNoConnectorsDue
	}
	r.logger.Info("scheduling pass finished", "connectors", len(conns), "triggered", triggered, "busy", busy)
	return nil
}
