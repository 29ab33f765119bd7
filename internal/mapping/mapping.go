// Package mapping translates records between a remote provider's field names
// and the local entity shape.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
)

type Type string

const (
	TypeDirect     Type = "direct"
	TypeTransform  Type = "transform"
	TypeCalculated Type = "calculated"
)

// Direction is the translation direction of a single Apply call.
type Direction string

const (
	// Inbound translates remote field names onto local field names.
	Inbound Direction = "inbound"
	// Outbound translates local field names onto remote field names.
	Outbound Direction = "outbound"
)

// Rule maps one (entity type, local field) pair onto one remote field.
type Rule struct {
	ID          string
	EntityType  string
	LocalField  string
	RemoteField string
	Type        Type
	Transform   string
	Expression  string
	Required    bool
	// Default is substituted when the source value is missing. nil means no default.
	Default any
}

// Warning is a non-fatal observation about a translated record.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldError marks a record as failed for one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Result is the outcome of translating one record.
type Result struct {
	Fields   map[string]any
	Warnings []Warning
	Errors   []FieldError
}

// Failed reports whether any field could not be produced.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

// Err joins the field errors, or returns nil.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, fe := range r.Errors {
		errs = append(errs, fe)
	}
	return errors.Join(errs...)
}

// RulesFor returns the rules that apply to entityType.
func RulesFor(rules []Rule, entityType string) []Rule {
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if strings.ToLower(strings.TrimSpace(rule.EntityType)) == entityType {
			out = append(out, rule)
		}
	}
	return out
}

// RemoteFields lists the remote field names referenced by non-calculated rules
// for entityType.
func RemoteFields(rules []Rule, entityType string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, rule := range RulesFor(rules, entityType) {
		name := strings.TrimSpace(rule.RemoteField)
		if name == "" || rule.Type == TypeCalculated {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// SelectableFields returns the top-level remote fields an adapter may ask a
// provider for. It returns nil, meaning every field, when the entity has no
// rules or any calculated rule that may read arbitrary fields.
func SelectableFields(rules []Rule, entityType string) []string {
	scoped := RulesFor(rules, entityType)
	if len(scoped) == 0 {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	for _, rule := range scoped {
		if rule.Type == TypeCalculated {
			return nil
		}
		name, _, _ := strings.Cut(strings.TrimSpace(rule.RemoteField), ".")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Engine applies mapping rules. The zero value is not usable; use NewEngine.
type Engine struct {
	exprs *expressionCache
}

func NewEngine() *Engine {
	return &Engine{exprs: newExpressionCache()}
}

// Apply translates record for entityType in the given direction. When no rule
// targets entityType, the record passes through unchanged. When rules exist,
// only mapped fields are emitted.
func (e *Engine) Apply(ctx context.Context, rules []Rule, dir Direction, entityType string, record map[string]any) Result {
	scoped := RulesFor(rules, entityType)
	if len(scoped) == 0 {
		return Result{Fields: maps.Clone(nonNil(record))}
	}

	res := Result{Fields: make(map[string]any, len(scoped))}
	for _, rule := range scoped {
		source, target := rule.RemoteField, rule.LocalField
		if dir == Outbound {
			source, target = rule.LocalField, rule.RemoteField
		}
		if strings.TrimSpace(target) == "" {
			continue
		}

		value, present, err := e.resolve(ctx, rule, dir, source, record)
		if err != nil {
			res.Errors = append(res.Errors, FieldError{Field: target, Message: err.Error()})
			continue
		}
		if !present {
			switch {
			case rule.Required && rule.Default != nil:
				res.Warnings = append(res.Warnings, Warning{Field: target, Message: "required value missing; default applied"})
				res.Fields[target] = rule.Default
			case rule.Required:
				res.Warnings = append(res.Warnings, Warning{Field: target, Message: "required value missing"})
				res.Errors = append(res.Errors, FieldError{Field: target, Message: "required value missing and no default"})
			case rule.Default != nil:
				res.Fields[target] = rule.Default
			}
			continue
		}
		res.Fields[target] = value
	}
	return res
}

func (e *Engine) resolve(ctx context.Context, rule Rule, dir Direction, source string, record map[string]any) (any, bool, error) {
	switch rule.Type {
	case TypeCalculated:
		value, err := e.exprs.eval(ctx, rule.Expression, record)
		if err != nil {
			return nil, false, err
		}
		return value, !isMissing(value), nil
	case TypeTransform:
		raw, ok := lookup(record, source)
		if !ok {
			return nil, false, nil
		}
		fn, found := LookupTransform(rule.Transform)
		if !found {
			return nil, false, fmt.Errorf("unknown transform %q", rule.Transform)
		}
		value, err := fn.apply(dir, raw)
		if err != nil {
			return nil, false, fmt.Errorf("transform %s: %w", rule.Transform, err)
		}
		return value, !isMissing(value), nil
	default:
		raw, ok := lookup(record, source)
		return raw, ok, nil
	}
}

// ValidateRule checks a rule before it is persisted: known type, known
// transform, compilable expression.
func (e *Engine) ValidateRule(rule Rule) error {
	var errs []error
	if strings.TrimSpace(rule.EntityType) == "" {
		errs = append(errs, errors.New("entityType is required"))
	}
	if strings.TrimSpace(rule.LocalField) == "" {
		errs = append(errs, errors.New("localField is required"))
	}
	switch rule.Type {
	case TypeDirect:
		if strings.TrimSpace(rule.RemoteField) == "" {
			errs = append(errs, errors.New("remoteField is required"))
		}
	case TypeTransform:
		if strings.TrimSpace(rule.RemoteField) == "" {
			errs = append(errs, errors.New("remoteField is required"))
		}
		if _, ok := LookupTransform(rule.Transform); !ok {
			errs = append(errs, fmt.Errorf("transform %q is not one of: %s", rule.Transform, strings.Join(TransformNames(), ", ")))
		}
	case TypeCalculated:
		if strings.TrimSpace(rule.Expression) == "" {
			errs = append(errs, errors.New("expression is required"))
		} else if err := e.exprs.compileCheck(rule.Expression); err != nil {
			errs = append(errs, fmt.Errorf("expression: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("mappingType %q is not one of: direct, transform, calculated", rule.Type))
	}
	return errors.Join(errs...)
}

// lookup resolves a possibly dotted path ("billing_address.city").
func lookup(record map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || record == nil {
		return nil, false
	}
	if v, ok := record[path]; ok {
		return v, !isMissing(v)
	}
	current := any(record)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, !isMissing(current)
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
