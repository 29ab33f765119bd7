package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	provider = "rest_api"
	maxPages = 10000
)

type Client struct {
	api *apiclient.Client
	cfg configstore.RESTConfig
}

func NewClient(cfg configstore.RESTConfig, opts apiclient.Options) (*Client, error) {
	cfg = cfg.Normalized()
	header, value := cfg.AuthHeader, cfg.APIKey
	if cfg.AuthScheme != "" {
		value = cfg.AuthScheme + " " + cfg.APIKey
	}
	api, err := apiclient.New(provider, cfg.BaseURL, opts, func(r *http.Request) {
		r.Header.Set(header, value)
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api, cfg: cfg}, nil
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: c.cfg.HealthPath, Op: "health check"})
	return err
}

// List walks page/per_page pages until a short page.
func (c *Client) List(ctx context.Context, entityType string, since *time.Time, fn func([]map[string]any) error) error {
	path := c.cfg.PathFor(entityType)
	op := "list " + entityType
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(c.cfg.PageSize))
		if since != nil && !since.IsZero() {
			query.Set("updated_since", since.UTC().Format(time.RFC3339))
		}
		resp, err := c.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: path, Query: query, Op: op})
		if err != nil {
			return err
		}
		items, err := c.items(resp.Body)
		if err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: err}
		}
		if err := fn(items); err != nil {
			return err
		}
		if len(items) < c.cfg.PageSize {
			return nil
		}
	}
	return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("more than %d pages", maxPages)}
}

func (c *Client) items(body []byte) ([]map[string]any, error) {
	if c.cfg.ItemsKey == "" {
		return apiclient.DecodeObjects(body)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return apiclient.DecodeObjects(envelope[c.cfg.ItemsKey])
}

// Save POSTs new records and PUTs existing ones to <path>/<id>.
func (c *Client) Save(ctx context.Context, entityType, id string, fields map[string]any) (map[string]any, error) {
	method, path, op := http.MethodPost, c.cfg.PathFor(entityType), "create "+entityType
	if id != "" {
		method, path, op = http.MethodPut, path+"/"+url.PathEscape(id), "update "+entityType
	}
	var raw json.RawMessage
	if err := c.api.SendJSON(ctx, op, method, path, nil, fields, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	obj, err := apiclient.DecodeObject(raw)
	if err != nil {
		return nil, &registry.ConnectionError{Provider: provider, Op: op, Err: err}
	}
	return obj, nil
}

// RecordID reads the configured id field, also looking inside a "data"
// wrapper object.
func (c *Client) RecordID(obj map[string]any) string {
	if v, ok := apiclient.Lookup(obj, c.cfg.IDField); ok {
		return apiclient.StringValue(v)
	}
	if v, ok := apiclient.Lookup(obj, "data."+c.cfg.IDField); ok {
		return apiclient.StringValue(v)
	}
	return ""
}
