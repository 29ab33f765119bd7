package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const localRecordColumns = `id, tenant_id, external_source, external_id, attributes, synced_at, created_at, updated_at`

// localTables whitelists the entity tables sync may touch.
var localTables = map[string]string{
	"customer": "customers",
	"product":  "products",
	"invoice":  "invoices",
}

func localTable(entityType string) (string, error) {
	table, ok := localTables[entityType]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
	return table, nil
}

type UpsertLocalRecordParams struct {
	EntityType     string
	TenantID       uuid.UUID
	ExternalSource string
	ExternalID     string
	Attributes     []byte
	SyncedAt       time.Time
}

// UpsertLocalRecord writes an inbound record in one statement keyed by
// (tenant_id, external_source, external_id). Incoming attributes are merged
// over the stored ones at the top level.
func (q *Queries) UpsertLocalRecord(ctx context.Context, arg UpsertLocalRecordParams) (LocalRecord, error) {
	table, err := localTable(arg.EntityType)
	if err != nil {
		return LocalRecord{}, err
	}
	stmt := `
INSERT INTO ` + table + ` (tenant_id, external_source, external_id, attributes, synced_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (tenant_id, external_source, external_id) DO UPDATE SET
	attributes = ` + table + `.attributes || EXCLUDED.attributes,
	synced_at = EXCLUDED.synced_at,
	updated_at = EXCLUDED.synced_at
RETURNING ` + localRecordColumns
	rows, err := q.db.Query(ctx, stmt, arg.TenantID, arg.ExternalSource, arg.ExternalID, jsonOrEmpty(arg.Attributes), arg.SyncedAt)
	if err != nil {
		return LocalRecord{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[LocalRecord])
}

type ListPendingOutboundParams struct {
	EntityType     string
	TenantID       uuid.UUID
	ExternalSource string
	Limit          int
}

// ListPendingOutbound returns rows never synced or changed since their last
// sync that belong to this source or to none.
func (q *Queries) ListPendingOutbound(ctx context.Context, arg ListPendingOutboundParams) ([]LocalRecord, error) {
	table, err := localTable(arg.EntityType)
	if err != nil {
		return nil, err
	}
	rows, err := q.db.Query(ctx, `
SELECT `+localRecordColumns+`
FROM `+table+`
WHERE tenant_id = $1
  AND (external_source = $2 OR external_source IS NULL)
  AND (synced_at IS NULL OR updated_at > synced_at)
ORDER BY updated_at, id
LIMIT $3`, arg.TenantID, arg.ExternalSource, arg.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[LocalRecord])
}

type MarkLocalRecordSyncedParams struct {
	EntityType     string
	ID             uuid.UUID
	ExternalSource string
	ExternalID     string
	// PushedVersion is the updated_at the pushed attributes were read at.
	PushedVersion time.Time
}

// MarkLocalRecordSynced binds a pushed row to its remote id. synced_at is
// set to the pushed version, so a row edited after it was listed keeps
// updated_at > synced_at and is pushed again.
func (q *Queries) MarkLocalRecordSynced(ctx context.Context, arg MarkLocalRecordSyncedParams) error {
	table, err := localTable(arg.EntityType)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx, `
UPDATE `+table+`
SET external_source = $2, external_id = $3, synced_at = $4
WHERE id = $1`, arg.ID, arg.ExternalSource, arg.ExternalID, arg.PushedVersion)
	if err != nil {
		if isUniqueViolation(err, "") {
			return ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
