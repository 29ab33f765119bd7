package db

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const connectorSelect = `
SELECT c.id, c.tenant_id, c.connector_type_id, t.name AS type_name, c.name, c.config,
	c.oauth_tokens, c.status, c.last_sync, c.last_error, c.sync_settings, c.created_at, c.updated_at
FROM tenant_connectors c
JOIN connector_types t ON t.id = c.connector_type_id`

// connectorReturning re-selects a connector written by the CTE named w.
const connectorReturning = `
SELECT w.id, w.tenant_id, w.connector_type_id, t.name AS type_name, w.name, w.config,
	w.oauth_tokens, w.status, w.last_sync, w.last_error, w.sync_settings, w.created_at, w.updated_at
FROM w
JOIN connector_types t ON t.id = w.connector_type_id`

// WebhookEndpointPath is the public path a connector's webhooks are posted to.
func WebhookEndpointPath(connectorID uuid.UUID) string {
	return "/webhooks/connector/" + connectorID.String()
}

type CreateConnectorParams struct {
	TenantID        uuid.UUID
	ConnectorTypeID uuid.UUID
	Name            string
	Config          string
	SyncSettings    []byte
	// Webhook, when set, creates the connector's endpoint in the same
	// transaction.
	Webhook *WebhookEndpointParams
}

type WebhookEndpointParams struct {
	SecretKey *string
	Events    []string
}

const insertConnector = `
WITH w AS (
	INSERT INTO tenant_connectors (tenant_id, connector_type_id, name, config, sync_settings, status)
	VALUES ($1, $2, $3, $4, $5, 'pending')
	RETURNING *
)` + connectorReturning

func (q *Queries) CreateConnector(ctx context.Context, arg CreateConnectorParams) (TenantConnector, error) {
	var out TenantConnector
	err := q.InTx(ctx, func(tx *Queries) error {
		rows, err := tx.db.Query(ctx, insertConnector,
			arg.TenantID, arg.ConnectorTypeID, arg.Name, arg.Config, jsonOrEmpty(arg.SyncSettings))
		if err != nil {
			return err
		}
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[TenantConnector])
		if err != nil {
			return err
		}
		if arg.Webhook != nil {
			_, err = tx.UpsertWebhookEndpoint(ctx, UpsertWebhookEndpointParams{
				TenantConnectorID: out.ID,
				EndpointURL:       WebhookEndpointPath(out.ID),
				SecretKey:         arg.Webhook.SecretKey,
				Events:            arg.Webhook.Events,
			})
		}
		return err
	})
	if isUniqueViolation(err, "") {
		return TenantConnector{}, ErrConflict
	}
	return out, err
}

func (q *Queries) GetConnector(ctx context.Context, tenantID, id uuid.UUID) (TenantConnector, error) {
	rows, err := q.db.Query(ctx, connectorSelect+` WHERE c.id = $1 AND c.tenant_id = $2`, id, tenantID)
	if err != nil {
		return TenantConnector{}, err
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[TenantConnector])
	return c, notFound(err)
}

// GetConnectorByID is unscoped; it serves workers and webhook delivery,
// which learn the tenant from the connector itself.
func (q *Queries) GetConnectorByID(ctx context.Context, id uuid.UUID) (TenantConnector, error) {
	rows, err := q.db.Query(ctx, connectorSelect+` WHERE c.id = $1`, id)
	if err != nil {
		return TenantConnector{}, err
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[TenantConnector])
	return c, notFound(err)
}

func (q *Queries) ListConnectors(ctx context.Context, tenantID uuid.UUID) ([]TenantConnector, error) {
	rows, err := q.db.Query(ctx, connectorSelect+` WHERE c.tenant_id = $1 ORDER BY c.name, c.id`, tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[TenantConnector])
}

// ListSchedulableConnectors returns connectors eligible for scheduled runs.
func (q *Queries) ListSchedulableConnectors(ctx context.Context) ([]TenantConnector, error) {
	rows, err := q.db.Query(ctx, connectorSelect+`
WHERE c.status IN ('active', 'error') AND t.is_active
ORDER BY c.last_sync NULLS FIRST, c.id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[TenantConnector])
}

type UpdateConnectorParams struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	Config       string
	SyncSettings []byte
	Status       string
}

const updateConnector = `
WITH w AS (
	UPDATE tenant_connectors
	SET name = $3, config = $4, sync_settings = $5, status = $6, updated_at = now()
	WHERE id = $1 AND tenant_id = $2
	RETURNING *
)` + connectorReturning

func (q *Queries) UpdateConnector(ctx context.Context, arg UpdateConnectorParams) (TenantConnector, error) {
	rows, err := q.db.Query(ctx, updateConnector,
		arg.ID, arg.TenantID, arg.Name, arg.Config, jsonOrEmpty(arg.SyncSettings), arg.Status)
	if err != nil {
		return TenantConnector{}, err
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[TenantConnector])
	if isUniqueViolation(err, "") {
		return TenantConnector{}, ErrConflict
	}
	return c, notFound(err)
}

const setConnectorStatus = `
UPDATE tenant_connectors
SET status = $2, last_error = $3, updated_at = now()
WHERE id = $1`

// SetConnectorStatus records a probe or lifecycle outcome. lastError nil
// clears the stored error.
func (q *Queries) SetConnectorStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	tag, err := q.db.Exec(ctx, setConnectorStatus, id, status, truncatePtr(lastError))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const recordProbeResult = `
UPDATE tenant_connectors
SET status = $2, last_error = $3, updated_at = now()
WHERE id = $1 AND status <> 'inactive'`

// RecordProbeResult stores a connectivity probe outcome unless the connector
// was disabled in the meantime.
func (q *Queries) RecordProbeResult(ctx context.Context, id uuid.UUID, status string, lastError *string) error {
	_, err := q.db.Exec(ctx, recordProbeResult, id, status, truncatePtr(lastError))
	return err
}

const markConnectorSynced = `
UPDATE tenant_connectors
SET status = 'active', last_sync = $2, last_error = NULL, updated_at = now()
WHERE id = $1 AND status <> 'inactive'`

// MarkConnectorSynced records a completed run. Disabled connectors keep
// their status.
func (q *Queries) MarkConnectorSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, markConnectorSynced, id, at)
	return err
}

const markConnectorFailed = `
UPDATE tenant_connectors
SET status = 'error', last_error = $2, updated_at = now()
WHERE id = $1 AND status <> 'inactive'`

// MarkConnectorFailed records a failed run; last_sync is left untouched.
func (q *Queries) MarkConnectorFailed(ctx context.Context, id uuid.UUID, message string) error {
	_, err := q.db.Exec(ctx, markConnectorFailed, id, truncate(message))
	return err
}

func (q *Queries) DeleteConnector(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM tenant_connectors WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= maxErrorTextSize {
		return s
	}
	cut := maxErrorTextSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func truncatePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := truncate(*s)
	return &v
}
