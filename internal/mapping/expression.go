package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/d5/tengo/v2"
)

// Calculated fields are tengo expressions evaluated with no importable
// modules, a bounded allocation budget, and a short deadline. The source
// record is exposed as the read-only map "fields", for example:
//
//	fields.first_name + " " + fields.last_name
//	fields.quantity * fields.unit_price
const (
	resultVar        = "__result"
	fieldsVar        = "fields"
	maxExprLength    = 1024
	maxExprAllocs    = 5000
	maxExprConstants = 256
	exprTimeout      = 250 * time.Millisecond
)

var errExprTooLong = fmt.Errorf("expression exceeds %d characters", maxExprLength)

type expressionCache struct {
	mu       sync.Mutex
	compiled map[string]*tengo.Compiled
}

func newExpressionCache() *expressionCache {
	return &expressionCache{compiled: map[string]*tengo.Compiled{}}
}

func (c *expressionCache) compileCheck(expr string) error {
	_, err := c.get(expr)
	return err
}

func (c *expressionCache) get(expr string) (*tengo.Compiled, error) {
	expr = strings.TrimSpace(expr)
	if len(expr) > maxExprLength {
		return nil, errExprTooLong
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.compiled[expr]; ok {
		return compiled, nil
	}

	script := tengo.NewScript([]byte(resultVar + " := (" + expr + ")"))
	script.SetImports(tengo.NewModuleMap())
	script.EnableFileImport(false)
	script.SetMaxAllocs(maxExprAllocs)
	script.SetMaxConstObjects(maxExprConstants)
	if err := script.Add(fieldsVar, map[string]any{}); err != nil {
		return nil, err
	}
	compiled, err := script.Compile()
	if err != nil {
		return nil, err
	}
	c.compiled[expr] = compiled
	return compiled, nil
}

func (c *expressionCache) eval(ctx context.Context, expr string, record map[string]any) (any, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("calculated mapping has no expression")
	}
	base, err := c.get(expr)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	run := base.Clone()
	if err := run.Set(fieldsVar, sandboxValue(record)); err != nil {
		return nil, fmt.Errorf("bind fields: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, exprTimeout)
	defer cancel()
	if err := run.RunContext(runCtx); err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}
	return run.Get(resultVar).Value(), nil
}

// sandboxValue converts decoded JSON into the subset of Go types tengo
// accepts.
func sandboxValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int64, float64, int:
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case time.Time:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = sandboxValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sandboxValue(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = item
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	default:
		return fmt.Sprint(t)
	}
}
