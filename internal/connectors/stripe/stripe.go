package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	provider  = "stripe"
	pageLimit = 100
)

// Stripe object names per local entity type.
var objects = map[string]string{
	registry.EntityCustomer: "customer",
	registry.EntityProduct:  "product",
	registry.EntityInvoice:  "invoice",
}

// readOnlyFields are returned by the API but rejected on write.
var readOnlyFields = []string{"id", "object", "created", "livemode", "updated"}

type Client struct {
	api *apiclient.Client
}

func NewClient(cfg configstore.StripeConfig, opts apiclient.Options) (*Client, error) {
	cfg = cfg.Normalized()
	key, account := cfg.APIKey, cfg.Account
	api, err := apiclient.New(provider, cfg.APIBase, opts, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+key)
		if account != "" {
			r.Header.Set("Stripe-Account", account)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

type listPage struct {
	Data    json.RawMessage `json:"data"`
	HasMore bool            `json:"has_more"`
}

// Ping lists a single customer, the cheapest call every key type can make.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.GetJSON(ctx, "list customers", "/v1/customers", url.Values{"limit": {"1"}}, nil)
	return err
}

// List pages through /v1/<object>s with starting_after cursors. Stripe lists
// filter on creation time, so since narrows to objects created after it.
func (c *Client) List(ctx context.Context, object string, since *time.Time, fn func([]map[string]any) error) error {
	op := "list " + object + "s"
	path := "/v1/" + object + "s"
	query := url.Values{}
	query.Set("limit", strconv.Itoa(pageLimit))
	if since != nil && !since.IsZero() {
		query.Set("created[gte]", strconv.FormatInt(since.Unix(), 10))
	}

	for {
		var page listPage
		if _, err := c.api.GetJSON(ctx, op, path, query, &page); err != nil {
			return err
		}
		items, err := apiclient.DecodeObjects(page.Data)
		if err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode data: %w", err)}
		}
		if err := fn(items); err != nil {
			return err
		}
		if !page.HasMore || len(items) == 0 {
			return nil
		}
		last := apiclient.StringValue(items[len(items)-1]["id"])
		if last == "" || last == query.Get("starting_after") {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("pagination cursor did not advance")}
		}
		query.Set("starting_after", last)
	}
}

// Save creates the object, or updates it when id is set. Stripe updates are
// POSTs to the object URL.
func (c *Client) Save(ctx context.Context, object, id string, fields map[string]any) (map[string]any, error) {
	path := "/v1/" + object + "s"
	op := "create " + object
	if id != "" {
		path += "/" + url.PathEscape(id)
		op = "update " + object
	}
	form := url.Values{}
	EncodeForm(form, "", apiclient.Without(fields, readOnlyFields...))

	var raw json.RawMessage
	if err := c.api.SendForm(ctx, op, http.MethodPost, path, form, &raw); err != nil {
		return nil, err
	}
	obj, err := apiclient.DecodeObject(raw)
	if err != nil {
		return nil, &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode %s: %w", object, err)}
	}
	return obj, nil
}

// EncodeForm flattens nested values into Stripe's bracketed form keys:
// metadata[plan]=pro, items[0][price]=p_1.
func EncodeForm(form url.Values, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "[" + k + "]"
			}
			EncodeForm(form, key, t[k])
		}
	case []any:
		for i, item := range t {
			EncodeForm(form, prefix+"["+strconv.Itoa(i)+"]", item)
		}
	case nil:
		if prefix != "" {
			form.Set(prefix, "")
		}
	default:
		if prefix != "" {
			form.Set(prefix, apiclient.StringValue(t))
		}
	}
}
