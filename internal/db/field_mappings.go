package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const fieldMappingColumns = `id, tenant_connector_id, entity_type, local_field, remote_field, mapping_type,
	transform, expression, is_required, default_value, created_at, updated_at`

func (q *Queries) ListFieldMappings(ctx context.Context, connectorID uuid.UUID) ([]FieldMapping, error) {
	rows, err := q.db.Query(ctx, `
SELECT `+fieldMappingColumns+`
FROM field_mappings
WHERE tenant_connector_id = $1
ORDER BY entity_type, local_field`, connectorID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[FieldMapping])
}

type UpsertFieldMappingParams struct {
	TenantConnectorID uuid.UUID
	EntityType        string
	LocalField        string
	RemoteField       string
	MappingType       string
	Transform         string
	Expression        string
	IsRequired        bool
	DefaultValue      []byte
}

const upsertFieldMapping = `
INSERT INTO field_mappings (
	tenant_connector_id, entity_type, local_field, remote_field, mapping_type,
	transform, expression, is_required, default_value
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (tenant_connector_id, entity_type, local_field) DO UPDATE SET
	remote_field = EXCLUDED.remote_field,
	mapping_type = EXCLUDED.mapping_type,
	transform = EXCLUDED.transform,
	expression = EXCLUDED.expression,
	is_required = EXCLUDED.is_required,
	default_value = EXCLUDED.default_value,
	updated_at = now()
RETURNING ` + fieldMappingColumns

func (q *Queries) UpsertFieldMapping(ctx context.Context, arg UpsertFieldMappingParams) (FieldMapping, error) {
	rows, err := q.db.Query(ctx, upsertFieldMapping,
		arg.TenantConnectorID, arg.EntityType, arg.LocalField, arg.RemoteField, arg.MappingType,
		arg.Transform, arg.Expression, arg.IsRequired, arg.DefaultValue,
	)
	if err != nil {
		return FieldMapping{}, err
	}
	return pgx.CollectOneRow(rows, pgx.RowToStructByName[FieldMapping])
}

// ReplaceFieldMappings swaps a connector's mapping set atomically.
func (q *Queries) ReplaceFieldMappings(ctx context.Context, connectorID uuid.UUID, mappings []UpsertFieldMappingParams) ([]FieldMapping, error) {
	var out []FieldMapping
	err := q.InTx(ctx, func(tx *Queries) error {
		if _, err := tx.db.Exec(ctx, `DELETE FROM field_mappings WHERE tenant_connector_id = $1`, connectorID); err != nil {
			return err
		}
		out = make([]FieldMapping, 0, len(mappings))
		for _, m := range mappings {
			m.TenantConnectorID = connectorID
			row, err := tx.UpsertFieldMapping(ctx, m)
			if err != nil {
				return err
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func (q *Queries) DeleteFieldMapping(ctx context.Context, connectorID, mappingID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM field_mappings WHERE id = $1 AND tenant_connector_id = $2`, mappingID, connectorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
