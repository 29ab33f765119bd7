package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orionX123/billing/internal/connectors/configstore"
)

type Category string

const (
	CategoryAccounting Category = "accounting"
	CategoryEcommerce  Category = "ecommerce"
	CategoryPayment    Category = "payment"
	CategoryERP        Category = "erp"
	CategoryCRM        Category = "crm"
	CategoryAPI        Category = "api"
)

// ConnectorType is a read-only catalog entry describing one provider.
type ConnectorType struct {
	ID              string       `json:"id,omitempty"`
	Name            string       `json:"name"`
	DisplayName     string       `json:"displayName"`
	Category        Category     `json:"category"`
	ConfigSchema    ConfigSchema `json:"configSchema"`
	WebhookEvents   []string     `json:"webhookEvents"`
	SupportsOAuth   bool         `json:"supportsOAuth"`
	SupportsAPIKey  bool         `json:"supportsApiKey"`
	SupportsWebhook bool         `json:"supportsWebhook"`
	IsActive        bool         `json:"isActive"`
}

// ConfigSchema is a JSON-schema-like description of a provider's
// configuration object.
type ConfigSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
	// Order preserves form rendering order; not part of validation.
	Order []string `json:"x-order,omitempty"`
}

type PropertyType string

const (
	PropertyString  PropertyType = "string"
	PropertyNumber  PropertyType = "number"
	PropertyInteger PropertyType = "integer"
	PropertyBoolean PropertyType = "boolean"
)

type Property struct {
	Title       string       `json:"title"`
	Type        PropertyType `json:"type"`
	Description string       `json:"description,omitempty"`
	Format      string       `json:"format,omitempty"`
	Enum        []string     `json:"enum,omitempty"`
	Default     any          `json:"default,omitempty"`
	// Secret properties are masked in every read view.
	Secret bool `json:"secret,omitempty"`
}

// SchemaBuilder assembles a ConfigSchema in declaration order.
type SchemaBuilder struct {
	schema ConfigSchema
}

func NewSchema() *SchemaBuilder {
	return &SchemaBuilder{schema: ConfigSchema{Type: "object", Properties: map[string]Property{}}}
}

func (b *SchemaBuilder) Required(name string, p Property) *SchemaBuilder {
	b.add(name, p)
	b.schema.Required = append(b.schema.Required, name)
	return b
}

func (b *SchemaBuilder) Optional(name string, p Property) *SchemaBuilder {
	b.add(name, p)
	return b
}

func (b *SchemaBuilder) Build() ConfigSchema {
	return b.schema
}

func (b *SchemaBuilder) add(name string, p Property) {
	if p.Type == "" {
		p.Type = PropertyString
	}
	b.schema.Properties[name] = p
	b.schema.Order = append(b.schema.Order, name)
}

// SecretKeys returns the names of properties flagged secret.
func (s ConfigSchema) SecretKeys() []string {
	var out []string
	for _, name := range s.Order {
		if s.Properties[name].Secret {
			out = append(out, name)
		}
	}
	return out
}

// Config is a decrypted connector configuration keyed by schema property.
type Config map[string]any

// DecodeConfig parses a plaintext JSON configuration object.
func DecodeConfig(raw []byte) (Config, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Config{}, nil
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg == nil {
		cfg = Config{}
	}
	return cfg, nil
}

// String returns the trimmed string value of key, or "".
func (c Config) String(key string) string {
	switch v := c[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// StringDefault returns String(key), or def when empty.
func (c Config) StringDefault(key, def string) string {
	if v := c.String(key); v != "" {
		return v
	}
	return def
}

// Bool returns the boolean value of key.
func (c Config) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

// Int returns the integer value of key, or def.
func (c Config) Int(key string, def int) int {
	switch v := c[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Masked returns a copy of c with every secret property masked.
func (c Config) Masked(schema ConfigSchema) Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	for _, key := range schema.SecretKeys() {
		if s := c.String(key); s != "" {
			out[key] = configstore.MaskSecret(s)
		}
	}
	return out
}

// Merge overlays update onto c. Secret properties left empty in update keep
// their stored value so read views can round-trip masked forms.
func (c Config) Merge(schema ConfigSchema, update Config) Config {
	out := make(Config, len(c)+len(update))
	for k, v := range c {
		out[k] = v
	}
	secret := map[string]bool{}
	for _, key := range schema.SecretKeys() {
		secret[key] = true
	}
	for k, v := range update {
		if secret[k] {
			if s := strings.TrimSpace(fmt.Sprint(v)); v == nil || s == "" || s == configstore.MaskSecret(c.String(k)) {
				continue
			}
		}
		out[k] = v
	}
	return out
}
