package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const connectorTypeColumns = `id, name, display_name, category, config_schema, webhook_events,
	supports_oauth, supports_api_key, supports_webhook, is_active, created_at, updated_at`

type UpsertConnectorTypeParams struct {
	Name            string
	DisplayName     string
	Category        string
	ConfigSchema    []byte
	WebhookEvents   []string
	SupportsOAuth   bool
	SupportsAPIKey  bool
	SupportsWebhook bool
	IsActive        bool
}

const upsertConnectorType = `
INSERT INTO connector_types (
	name, display_name, category, config_schema, webhook_events,
	supports_oauth, supports_api_key, supports_webhook, is_active
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (name) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	category = EXCLUDED.category,
	config_schema = EXCLUDED.config_schema,
	webhook_events = EXCLUDED.webhook_events,
	supports_oauth = EXCLUDED.supports_oauth,
	supports_api_key = EXCLUDED.supports_api_key,
	supports_webhook = EXCLUDED.supports_webhook,
	is_active = EXCLUDED.is_active,
	updated_at = now()
RETURNING ` + connectorTypeColumns

func (q *Queries) UpsertConnectorType(ctx context.Context, arg UpsertConnectorTypeParams) (ConnectorType, error) {
	events := arg.WebhookEvents
	if events == nil {
		events = []string{}
	}
	rows, err := q.db.Query(ctx, upsertConnectorType,
		arg.Name, arg.DisplayName, arg.Category, jsonOrEmpty(arg.ConfigSchema), events,
		arg.SupportsOAuth, arg.SupportsAPIKey, arg.SupportsWebhook, arg.IsActive,
	)
	if err != nil {
		return ConnectorType{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[ConnectorType])
}

const listConnectorTypes = `
SELECT ` + connectorTypeColumns + `
FROM connector_types
WHERE is_active OR NOT $1
ORDER BY display_name`

func (q *Queries) ListConnectorTypes(ctx context.Context, activeOnly bool) ([]ConnectorType, error) {
	rows, err := q.db.Query(ctx, listConnectorTypes, activeOnly)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[ConnectorType])
}

const getConnectorType = `SELECT ` + connectorTypeColumns + ` FROM connector_types WHERE id = $1`

func (q *Queries) GetConnectorType(ctx context.Context, id uuid.UUID) (ConnectorType, error) {
	rows, err := q.db.Query(ctx, getConnectorType, id)
	if err != nil {
		return ConnectorType{}, err
	}
	ct, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[ConnectorType])
	return ct, notFound(err)
}

const getConnectorTypeByName = `SELECT ` + connectorTypeColumns + ` FROM connector_types WHERE name = $1`

func (q *Queries) GetConnectorTypeByName(ctx context.Context, name string) (ConnectorType, error) {
	rows, err := q.db.Query(ctx, getConnectorTypeByName, name)
	if err != nil {
		return ConnectorType{}, err
	}
	ct, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[ConnectorType])
	return ct, notFound(err)
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
