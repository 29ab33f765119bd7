package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	pageLimit = 250
	provider  = "shopify"
)

// resource maps a local entity type onto the Admin REST resource names.
type resource struct {
	plural   string
	singular string
}

var resources = map[string]resource{
	registry.EntityCustomer: {plural: "customers", singular: "customer"},
	registry.EntityProduct:  {plural: "products", singular: "product"},
	registry.EntityInvoice:  {plural: "orders", singular: "order"},
}

func resourceFor(entityType string) (resource, bool) {
	r, ok := resources[entityType]
	return r, ok
}

type Client struct {
	api *apiclient.Client
}

func NewClient(cfg configstore.ShopifyConfig, opts apiclient.Options) (*Client, error) {
	cfg = cfg.Normalized()
	token := cfg.AccessToken
	api, err := apiclient.New(provider, cfg.BaseURL(), opts, func(r *http.Request) {
		r.Header.Set("X-Shopify-Access-Token", token)
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

type Shop struct {
	Name   string `json:"name"`
	Domain string `json:"myshopify_domain"`
}

func (c *Client) Shop(ctx context.Context) (Shop, error) {
	var resp struct {
		Shop Shop `json:"shop"`
	}
	if _, err := c.api.GetJSON(ctx, "get shop", "/shop.json", nil, &resp); err != nil {
		return Shop{}, err
	}
	return resp.Shop, nil
}

// List pages through a resource, following Link rel="next" cursors, and
// hands each page to fn.
func (c *Client) List(ctx context.Context, res resource, fields []string, since *time.Time, fn func([]map[string]any) error) error {
	op := "list " + res.plural
	path := "/" + res.plural + ".json"
	query := url.Values{}
	query.Set("limit", fmt.Sprint(pageLimit))
	if len(fields) > 0 {
		query.Set("fields", strings.Join(withRequiredFields(fields), ","))
	}
	if since != nil && !since.IsZero() {
		query.Set("updated_at_min", since.UTC().Format(time.RFC3339))
	}
	if res.plural == "orders" {
		query.Set("status", "any")
	}

	seen := map[string]struct{}{}
	for {
		resp, err := c.api.Do(ctx, apiclient.Request{Method: http.MethodGet, Path: path, Query: query, Op: op})
		if err != nil {
			return err
		}
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body, &envelope); err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		items, err := apiclient.DecodeObjects(envelope[res.plural])
		if err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode %s: %w", res.plural, err)}
		}
		if err := fn(items); err != nil {
			return err
		}

		next := nextLink(resp.Header.Get("Link"))
		if next == "" {
			return nil
		}
		if _, dup := seen[next]; dup {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("pagination cursor repeated")}
		}
		seen[next] = struct{}{}
		path, query, err = c.api.Absolute(next)
		if err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: err}
		}
	}
}

// Save creates the object when id is empty and updates it otherwise.
func (c *Client) Save(ctx context.Context, res resource, id string, fields map[string]any) (map[string]any, error) {
	method := http.MethodPost
	path := "/" + res.plural + ".json"
	op := "create " + res.singular
	if id != "" {
		fields = apiclient.Without(fields)
		fields["id"] = id
		method = http.MethodPut
		path = "/" + res.plural + "/" + url.PathEscape(id) + ".json"
		op = "update " + res.singular
	}

	var resp map[string]json.RawMessage
	if err := c.api.SendJSON(ctx, op, method, path, nil, map[string]any{res.singular: fields}, &resp); err != nil {
		return nil, err
	}
	obj, err := apiclient.DecodeObject(resp[res.singular])
	if err != nil {
		return nil, &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode %s: %w", res.singular, err)}
	}
	return obj, nil
}

func withRequiredFields(fields []string) []string {
	out := append([]string{"id", "updated_at"}, fields...)
	seen := map[string]struct{}{}
	deduped := out[:0]
	for _, f := range out {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		deduped = append(deduped, f)
	}
	return deduped
}

// nextLink extracts the rel="next" URL from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(part, ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(key, "rel") && strings.Trim(value, `"`) == "next" {
				return strings.Trim(target, "<>")
			}
		}
	}
	return ""
}
