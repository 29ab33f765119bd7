package sync

import (
	"bytes"
	"encoding/json"

	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/mapping"
)

// MappingRules converts stored field mappings into engine rules. A default
// value of JSON null counts as no default.
func MappingRules(rows []db.FieldMapping) []mapping.Rule {
	out := make([]mapping.Rule, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapping.Rule{
			ID:          row.ID.String(),
			EntityType:  row.EntityType,
			LocalField:  row.LocalField,
			RemoteField: row.RemoteField,
			Type:        mapping.Type(row.MappingType),
			Transform:   row.Transform,
			Expression:  row.Expression,
			Required:    row.IsRequired,
			Default:     decodeDefault(row.DefaultValue),
		})
	}
	return out
}

func decodeDefault(raw []byte) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}
