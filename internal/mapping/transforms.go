package mapping

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transform is a statically implemented value conversion. Inbound runs on
// remote values during pulls and webhooks; Outbound runs on local values
// during pushes.
type Transform struct {
	Name        string
	Description string
	Inbound     func(any) (any, error)
	Outbound    func(any) (any, error)
}

func (t Transform) apply(dir Direction, v any) (any, error) {
	if dir == Outbound {
		return t.Outbound(v)
	}
	return t.Inbound(v)
}

var transforms = map[string]Transform{}

func register(t Transform) {
	transforms[t.Name] = t
}

func init() {
	register(Transform{Name: "trim", Description: "Strip surrounding whitespace", Inbound: trimValue, Outbound: trimValue})
	register(Transform{Name: "lowercase", Description: "Lowercase text", Inbound: lowerValue, Outbound: lowerValue})
	register(Transform{Name: "uppercase", Description: "Uppercase text", Inbound: upperValue, Outbound: upperValue})
	register(Transform{Name: "to_string", Description: "Render as text", Inbound: toStringValue, Outbound: toStringValue})
	register(Transform{Name: "to_number", Description: "Parse as a number", Inbound: toNumberValue, Outbound: toNumberValue})
	register(Transform{Name: "to_bool", Description: "Parse as a boolean", Inbound: toBoolValue, Outbound: toBoolValue})
	register(Transform{Name: "cents_to_decimal", Description: "Remote minor units to local decimal amount", Inbound: centsToDecimal, Outbound: decimalToCents})
	register(Transform{Name: "decimal_to_cents", Description: "Remote decimal amount to local minor units", Inbound: decimalToCents, Outbound: centsToDecimal})
	register(Transform{Name: "unix_to_rfc3339", Description: "Remote unix seconds to local timestamp", Inbound: unixToRFC3339, Outbound: rfc3339ToUnix})
	register(Transform{Name: "rfc3339_to_unix", Description: "Remote timestamp to local unix seconds", Inbound: rfc3339ToUnix, Outbound: unixToRFC3339})
}

// LookupTransform returns the named transform from the closed catalog.
func LookupTransform(name string) (Transform, bool) {
	t, ok := transforms[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// TransformNames lists the catalog keys in sorted order.
func TransformNames() []string {
	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected text, got %T", v)
	}
}

func trimValue(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func lowerValue(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(strings.TrimSpace(s)), nil
}

func upperValue(v any) (any, error) {
	s, err := asString(v)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(strings.TrimSpace(s)), nil
}

func toStringValue(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	case decimal.Decimal:
		return t.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func toNumberValue(v any) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	if d.IsInteger() {
		return d.IntPart(), nil
	}
	f, _ := d.Float64()
	return f, nil
}

func toBoolValue(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", t)
		}
		return b, nil
	default:
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		return !d.IsZero(), nil
	}
}

// centsToDecimal renders minor units (1234) as a fixed two-place amount ("12.34").
func centsToDecimal(v any) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	if !d.IsInteger() {
		return nil, fmt.Errorf("minor units must be whole, got %s", d.String())
	}
	return d.Shift(-2).StringFixed(2), nil
}

// decimalToCents converts an amount ("12.345") to minor units, rounding half away from zero.
func decimalToCents(v any) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func unixToRFC3339(v any) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, err
	}
	return time.Unix(d.IntPart(), 0).UTC().Format(time.RFC3339), nil
}

func rfc3339ToUnix(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.Unix(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("not an RFC 3339 timestamp: %q", t)
		}
		return parsed.Unix(), nil
	default:
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int32:
		return decimal.NewFromInt32(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("not a number: %q", t)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("expected number, got %T", v)
	}
}
