package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ValidationError names one configuration key and what is wrong with it.
type ValidationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Key + ": " + e.Message
}

// ValidationErrors is returned when configuration is rejected before
// persistence.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Keys lists the offending keys in order.
func (v ValidationErrors) Keys() []string {
	keys := make([]string, 0, len(v))
	for _, e := range v {
		keys = append(keys, e.Key)
	}
	return keys
}

// Err returns v as an error, or nil when empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// ValidationErrorsFrom converts an error tree whose leaves expose ConfigKey
// into ValidationErrors. Leaves without a key are reported under "config".
func ValidationErrorsFrom(err error) ValidationErrors {
	if err == nil {
		return nil
	}
	var out ValidationErrors
	var walk func(error)
	walk = func(e error) {
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		var keyed interface {
			error
			ConfigKey() string
		}
		if errors.As(e, &keyed) {
			msg := strings.TrimSpace(strings.TrimPrefix(keyed.Error(), keyed.ConfigKey()))
			out = append(out, ValidationError{Key: keyed.ConfigKey(), Message: msg})
			return
		}
		out = append(out, ValidationError{Key: "config", Message: e.Error()})
	}
	walk(err)
	return out
}

// ValidateConfig checks cfg against the connector type's schema: every
// required key present and non-empty, every known key of the declared type,
// enumerations respected. Unknown keys are ignored.
func ValidateConfig(ct ConnectorType, cfg Config) ValidationErrors {
	var out ValidationErrors
	schema := ct.ConfigSchema

	for _, key := range schema.Required {
		if isEmptyValue(cfg[key]) {
			out = append(out, ValidationError{Key: key, Message: "is required"})
		}
	}

	keys := make([]string, 0, len(schema.Properties))
	for key := range schema.Properties {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		prop := schema.Properties[key]
		value, ok := cfg[key]
		if !ok || isEmptyValue(value) {
			continue
		}
		if msg := checkType(prop, value); msg != "" {
			out = append(out, ValidationError{Key: key, Message: msg})
			continue
		}
		if len(prop.Enum) > 0 {
			s := strings.TrimSpace(fmt.Sprint(value))
			if !slices.Contains(prop.Enum, s) {
				out = append(out, ValidationError{Key: key, Message: "must be one of: " + strings.Join(prop.Enum, ", ")})
			}
		}
	}
	return out
}

func checkType(prop Property, value any) string {
	switch prop.Type {
	case PropertyString, "":
		if _, ok := value.(string); !ok {
			return "must be a string"
		}
	case PropertyBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case PropertyNumber:
		if !isNumber(value) {
			return "must be a number"
		}
	case PropertyInteger:
		if !isNumber(value) {
			return "must be an integer"
		}
		if f, ok := value.(float64); ok && f != float64(int64(f)) {
			return "must be an integer"
		}
	}
	return ""
}

func isNumber(value any) bool {
	switch value.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}
