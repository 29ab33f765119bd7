package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const webhookEndpointColumns = `id, tenant_connector_id, endpoint_url, secret_key, events, is_active,
	total_received, last_received, created_at, updated_at`

type UpsertWebhookEndpointParams struct {
	TenantConnectorID uuid.UUID
	EndpointURL       string
	SecretKey         *string
	Events            []string
}

const upsertWebhookEndpoint = `
INSERT INTO webhook_endpoints (tenant_connector_id, endpoint_url, secret_key, events)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_connector_id, endpoint_url) DO UPDATE SET
	secret_key = EXCLUDED.secret_key,
	events = EXCLUDED.events,
	is_active = TRUE,
	updated_at = now()
RETURNING ` + webhookEndpointColumns

func (q *Queries) UpsertWebhookEndpoint(ctx context.Context, arg UpsertWebhookEndpointParams) (WebhookEndpoint, error) {
	events := arg.Events
	if events == nil {
		events = []string{}
	}
	rows, err := q.db.Query(ctx, upsertWebhookEndpoint, arg.TenantConnectorID, arg.EndpointURL, arg.SecretKey, events)
	if err != nil {
		return WebhookEndpoint{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[WebhookEndpoint])
}

// GetWebhookEndpoint returns the connector's endpoint, active or not.
func (q *Queries) GetWebhookEndpoint(ctx context.Context, connectorID uuid.UUID) (WebhookEndpoint, error) {
	rows, err := q.db.Query(ctx, `
SELECT `+webhookEndpointColumns+`
FROM webhook_endpoints
WHERE tenant_connector_id = $1
ORDER BY is_active DESC, created_at
LIMIT 1`, connectorID)
	if err != nil {
		return WebhookEndpoint{}, err
	}
	e, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[WebhookEndpoint])
	return e, notFound(err)
}

// RecordWebhookDelivery counts an authenticated delivery.
func (q *Queries) RecordWebhookDelivery(ctx context.Context, endpointID uuid.UUID, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
UPDATE webhook_endpoints
SET total_received = total_received + 1, last_received = $2
WHERE id = $1`, endpointID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
