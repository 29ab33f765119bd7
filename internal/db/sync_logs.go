package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const syncLogColumns = `id, tenant_connector_id, sync_type, direction, status, entity_types, payload,
	created_at, started_at, completed_at, records_processed, records_successful, records_failed,
	error_message, sync_summary`

type CreateSyncLogParams struct {
	TenantConnectorID uuid.UUID
	SyncType          string
	Direction         string
	EntityTypes       []string
	Payload           []byte
}

const createSyncLog = `
INSERT INTO sync_logs (tenant_connector_id, sync_type, direction, entity_types, payload)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + syncLogColumns

// CreateSyncLog inserts a pending run. A second active non-webhook run for
// the same connector fails with ErrActiveSync.
func (q *Queries) CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (SyncLog, error) {
	entities := arg.EntityTypes
	if entities == nil {
		entities = []string{}
	}
	rows, err := q.db.Query(ctx, createSyncLog, arg.TenantConnectorID, arg.SyncType, arg.Direction, entities, arg.Payload)
	if err != nil {
		return SyncLog{}, err
	}
	l, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[SyncLog])
	if isUniqueViolation(err, activeRunIndex) {
		return SyncLog{}, ErrActiveSync
	}
	return l, err
}

func (q *Queries) GetSyncLog(ctx context.Context, id uuid.UUID) (SyncLog, error) {
	rows, err := q.db.Query(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`, id)
	if err != nil {
		return SyncLog{}, err
	}
	l, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[SyncLog])
	return l, notFound(err)
}

const startSyncLog = `
UPDATE sync_logs SET status = 'running', started_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING ` + syncLogColumns

// StartSyncLog moves a pending run to running.
func (q *Queries) StartSyncLog(ctx context.Context, id uuid.UUID, at time.Time) (SyncLog, error) {
	rows, err := q.db.Query(ctx, startSyncLog, id, at)
	if err != nil {
		return SyncLog{}, err
	}
	l, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[SyncLog])
	return l, q.transitionErr(ctx, id, err)
}

type FinishSyncLogParams struct {
	ID                uuid.UUID
	Status            string
	CompletedAt       time.Time
	RecordsProcessed  int64
	RecordsSuccessful int64
	RecordsFailed     int64
	ErrorMessage      *string
	Summary           []byte
}

// Only a running log can finish; a pending one must be started first.
const finishSyncLog = `
UPDATE sync_logs SET
	status = $2,
	completed_at = $3,
	records_processed = $4,
	records_successful = $5,
	records_failed = $6,
	error_message = $7,
	sync_summary = $8
WHERE id = $1 AND status = 'running'
RETURNING ` + syncLogColumns

func (q *Queries) FinishSyncLog(ctx context.Context, arg FinishSyncLogParams) (SyncLog, error) {
	rows, err := q.db.Query(ctx, finishSyncLog,
		arg.ID, arg.Status, arg.CompletedAt,
		arg.RecordsProcessed, arg.RecordsSuccessful, arg.RecordsFailed,
		truncatePtr(arg.ErrorMessage), jsonOrEmpty(arg.Summary),
	)
	if err != nil {
		return SyncLog{}, err
	}
	l, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[SyncLog])
	return l, q.transitionErr(ctx, arg.ID, err)
}

func (q *Queries) transitionErr(ctx context.Context, id uuid.UUID, err error) error {
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if _, getErr := q.GetSyncLog(ctx, id); getErr != nil {
		return getErr
	}
	return ErrInvalidTransition
}

// ListSyncLogs pages a connector's history, newest first.
func (q *Queries) ListSyncLogs(ctx context.Context, connectorID uuid.UUID, limit, offset int) ([]SyncLog, int64, error) {
	var total int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM sync_logs WHERE tenant_connector_id = $1`, connectorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.Query(ctx, `
SELECT `+syncLogColumns+`
FROM sync_logs
WHERE tenant_connector_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3`, connectorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	logs, err := pgx.CollectRows(rows, pgx.RowToStructByName[SyncLog])
	return logs, total, err
}

// ListStaleSyncLogs returns active runs that started, or were queued,
// before cutoff.
func (q *Queries) ListStaleSyncLogs(ctx context.Context, cutoff time.Time) ([]SyncLog, error) {
	rows, err := q.db.Query(ctx, `
SELECT `+syncLogColumns+`
FROM sync_logs
WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[SyncLog])
}

// GetFailureStreak counts failed non-webhook runs since the last completed one.
func (q *Queries) GetFailureStreak(ctx context.Context, connectorID uuid.UUID) (FailureStreak, error) {
	rows, err := q.db.Query(ctx, `
SELECT count(*) AS count, max(completed_at) AS last_failed_at
FROM sync_logs
WHERE tenant_connector_id = $1
  AND status = 'failed'
  AND sync_type <> 'webhook'
  AND completed_at > COALESCE((
	SELECT max(completed_at) FROM sync_logs
	WHERE tenant_connector_id = $1 AND status = 'completed'
  ), '-infinity'::timestamptz)`, connectorID)
	if err != nil {
		return FailureStreak{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[FailureStreak])
}
