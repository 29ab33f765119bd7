package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
)

type CatalogWriter interface {
	UpsertConnectorType(ctx context.Context, arg db.UpsertConnectorTypeParams) (db.ConnectorType, error)
}

// SeedCatalog upserts one connector_types row per registered adapter, by
// name. Rows for providers no longer registered are left alone.
func SeedCatalog(ctx context.Context, store CatalogWriter, reg *registry.Registry) ([]db.ConnectorType, error) {
	catalog := reg.Catalog()
	out := make([]db.ConnectorType, 0, len(catalog))
	for _, ct := range catalog {
		schema, err := json.Marshal(ct.ConfigSchema)
		if err != nil {
			return nil, fmt.Errorf("connector type %s: encode schema: %w", ct.Name, err)
		}
		row, err := store.UpsertConnectorType(ctx, db.UpsertConnectorTypeParams{
			Name:            ct.Name,
			DisplayName:     ct.DisplayName,
			Category:        string(ct.Category),
			ConfigSchema:    schema,
			WebhookEvents:   ct.WebhookEvents,
			SupportsOAuth:   ct.SupportsOAuth,
			SupportsAPIKey:  ct.SupportsAPIKey,
			SupportsWebhook: ct.SupportsWebhook,
			IsActive:        ct.IsActive,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert connector type %s: %w", ct.Name, err)
		}
		out = append(out, row)
	}
	return out, nil
}
