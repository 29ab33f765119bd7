package registry

import (
	"fmt"
	"strings"
)

// Registry is the central registry of provider adapters. It is populated at
// startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	order    []string // Catalog order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		order:    make([]string, 0),
	}
}

// Register adds an adapter keyed by its connector type name.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter cannot be nil")
	}
	name := normalizeName(adapter.Type().Name)
	if name == "" {
		return fmt.Errorf("connector type name cannot be empty")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("connector type %q already registered", name)
	}
	r.adapters[name] = adapter
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the adapter for a connector type name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	adapter, ok := r.adapters[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return adapter, nil
}

// All returns all registered adapters in registration order.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Catalog returns the connector type of every registered adapter.
func (r *Registry) Catalog() []ConnectorType {
	out := make([]ConnectorType, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name].Type())
	}
	return out
}

// ValidateConfig runs schema validation for ct and, when an adapter is
// registered for it, the adapter's own checks. Duplicate keys reported by
// both are collapsed.
func (r *Registry) ValidateConfig(ct ConnectorType, cfg Config) ValidationErrors {
	errs := ValidateConfig(ct, cfg)
	adapter, ok := r.adapters[normalizeName(ct.Name)]
	if !ok {
		return errs
	}
	validator, ok := adapter.(ConfigValidator)
	if !ok {
		return errs
	}
	seen := make(map[string]struct{}, len(errs))
	for _, e := range errs {
		seen[e.Key] = struct{}{}
	}
	for _, e := range validator.ValidateConfig(cfg) {
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		errs = append(errs, e)
	}
	return errs
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
