package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/db"
)

// Store is the persistence surface the orchestrator, reaper, and scheduler
// need. *db.Queries satisfies it.
type Store interface {
	GetConnector(ctx context.Context, tenantID, id uuid.UUID) (db.TenantConnector, error)
	GetConnectorByID(ctx context.Context, id uuid.UUID) (db.TenantConnector, error)
	ListSchedulableConnectors(ctx context.Context) ([]db.TenantConnector, error)
	MarkConnectorSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkConnectorFailed(ctx context.Context, id uuid.UUID, message string) error

	CreateSyncLog(ctx context.Context, arg db.CreateSyncLogParams) (db.SyncLog, error)
	GetSyncLog(ctx context.Context, id uuid.UUID) (db.SyncLog, error)
	StartSyncLog(ctx context.Context, id uuid.UUID, at time.Time) (db.SyncLog, error)
	FinishSyncLog(ctx context.Context, arg db.FinishSyncLogParams) (db.SyncLog, error)
	ListStaleSyncLogs(ctx context.Context, cutoff time.Time) ([]db.SyncLog, error)
	GetFailureStreak(ctx context.Context, connectorID uuid.UUID) (db.FailureStreak, error)

	ListFieldMappings(ctx context.Context, connectorID uuid.UUID) ([]db.FieldMapping, error)

	UpsertLocalRecord(ctx context.Context, arg db.UpsertLocalRecordParams) (db.LocalRecord, error)
	ListPendingOutbound(ctx context.Context, arg db.ListPendingOutboundParams) ([]db.LocalRecord, error)
	MarkLocalRecordSynced(ctx context.Context, arg db.MarkLocalRecordSyncedParams) error
}

var _ Store = (*db.Queries)(nil)
