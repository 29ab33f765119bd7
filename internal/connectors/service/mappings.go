package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/mapping"
)

type Mapping struct {
	ID           uuid.UUID       `json:"id,omitzero"`
	EntityType   string          `json:"entityType"`
	LocalField   string          `json:"localField"`
	RemoteField  string          `json:"remoteField"`
	MappingType  string          `json:"mappingType"`
	Transform    string          `json:"transform,omitempty"`
	Expression   string          `json:"expression,omitempty"`
	IsRequired   bool            `json:"isRequired"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
	CreatedAt    time.Time       `json:"createdAt,omitzero"`
	UpdatedAt    time.Time       `json:"updatedAt,omitzero"`
}

func (s *Service) ListMappings(ctx context.Context, tenantID, id uuid.UUID) ([]Mapping, error) {
	if _, err := s.store.GetConnector(ctx, tenantID, id); err != nil {
		return nil, err
	}
	rows, err := s.store.ListFieldMappings(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list field mappings: %w", err)
	}
	return mappingViews(rows), nil
}

// PutMappings replaces the connector's mapping set. Every rule is checked
// first: known entity type, known mapping type and transform, and an
// expression that compiles.
func (s *Service) PutMappings(ctx context.Context, tenantID, id uuid.UUID, in []Mapping) ([]Mapping, error) {
	if _, err := s.store.GetConnector(ctx, tenantID, id); err != nil {
		return nil, err
	}

	var errs registry.ValidationErrors
	seen := map[string]int{}
	params := make([]db.UpsertFieldMappingParams, 0, len(in))
	for i, m := range in {
		key := fmt.Sprintf("mappings[%d]", i)
		entity := strings.ToLower(strings.TrimSpace(m.EntityType))
		if len(registry.NormalizeEntityTypes([]string{entity})) == 0 {
			errs = append(errs, registry.ValidationError{Key: key + ".entityType", Message: fmt.Sprintf("unknown entity type %q", m.EntityType)})
			continue
		}
		mt := strings.ToLower(strings.TrimSpace(m.MappingType))
		if mt == "" {
			mt = string(mapping.TypeDirect)
		}
		rule := mapping.Rule{
			EntityType:  entity,
			LocalField:  strings.TrimSpace(m.LocalField),
			RemoteField: strings.TrimSpace(m.RemoteField),
			Type:        mapping.Type(mt),
			Transform:   strings.TrimSpace(m.Transform),
			Expression:  strings.TrimSpace(m.Expression),
		}
		if err := s.mapper.ValidateRule(rule); err != nil {
			for _, line := range strings.Split(err.Error(), "\n") {
				errs = append(errs, registry.ValidationError{Key: key, Message: line})
			}
			continue
		}
		dedupe := rule.EntityType + "/" + rule.LocalField
		if prev, dup := seen[dedupe]; dup {
			errs = append(errs, registry.ValidationError{Key: key + ".localField", Message: fmt.Sprintf("duplicates mappings[%d]", prev)})
			continue
		}
		seen[dedupe] = i

		var def []byte
		if raw := bytes.TrimSpace(m.DefaultValue); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			if !json.Valid(raw) {
				errs = append(errs, registry.ValidationError{Key: key + ".defaultValue", Message: "must be valid JSON"})
				continue
			}
			def = raw
		}
		params = append(params, db.UpsertFieldMappingParams{
			TenantConnectorID: id,
			EntityType:        rule.EntityType,
			LocalField:        rule.LocalField,
			RemoteField:       rule.RemoteField,
			MappingType:       string(rule.Type),
			Transform:         rule.Transform,
			Expression:        rule.Expression,
			IsRequired:        m.IsRequired,
			DefaultValue:      def,
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	rows, err := s.store.ReplaceFieldMappings(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("replace field mappings: %w", err)
	}
	s.logger.Info("field mappings replaced", "connector_id", id, "tenant_id", tenantID, "count", len(rows))
	return mappingViews(rows), nil
}

func (s *Service) DeleteMapping(ctx context.Context, tenantID, id, mappingID uuid.UUID) error {
	if _, err := s.store.GetConnector(ctx, tenantID, id); err != nil {
		return err
	}
	return s.store.DeleteFieldMapping(ctx, id, mappingID)
}

func mappingViews(rows []db.FieldMapping) []Mapping {
	out := make([]Mapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, Mapping{
			ID:           r.ID,
			EntityType:   r.EntityType,
			LocalField:   r.LocalField,
			RemoteField:  r.RemoteField,
			MappingType:  r.MappingType,
			Transform:    r.Transform,
			Expression:   r.Expression,
			IsRequired:   r.IsRequired,
			DefaultValue: json.RawMessage(r.DefaultValue),
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		})
	}
	return out
}
