package quickbooks

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
	provider   = "quickbooks"
	maxResults = 1000
)

// QuickBooks entity names per local entity type.
var entities = map[string]string{
	registry.EntityCustomer: "Customer",
	registry.EntityProduct:  "Item",
	registry.EntityInvoice:  "Invoice",
}

func localEntity(qbName string) string {
	for local, name := range entities {
		if strings.EqualFold(name, qbName) {
			return local
		}
	}
	return ""
}

type Client struct {
	api          *apiclient.Client
	realmID      string
	minorVersion string
}

func NewClient(cfg configstore.QuickBooksConfig, opts apiclient.Options) (*Client, error) {
	cfg = cfg.Normalized()
	token := cfg.AccessToken
	api, err := apiclient.New(provider, cfg.CompanyURL(), opts, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if err != nil {
		return nil, err
	}
	return &Client{api: api, realmID: cfg.RealmID, minorVersion: cfg.MinorVersion}, nil
}

func (c *Client) query(extra url.Values) url.Values {
	q := url.Values{}
	q.Set("minorversion", c.minorVersion)
	for k, v := range extra {
		q[k] = v
	}
	return q
}

func (c *Client) CompanyName(ctx context.Context) (string, error) {
	var resp struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	path := "/companyinfo/" + url.PathEscape(c.realmID)
	if _, err := c.api.GetJSON(ctx, "get company info", path, c.query(nil), &resp); err != nil {
		return "", err
	}
	return resp.CompanyInfo.CompanyName, nil
}

// List runs "SELECT * FROM <entity>" pages of maxResults until a short page.
func (c *Client) List(ctx context.Context, entity string, since *time.Time, fn func([]map[string]any) error) error {
	op := "query " + entity
	where := ""
	if since != nil && !since.IsZero() {
		where = fmt.Sprintf(" WHERE MetaData.LastUpdatedTime > '%s'", since.UTC().Format(time.RFC3339))
	}

	for start := 1; ; start += maxResults {
		stmt := fmt.Sprintf("SELECT * FROM %s%s STARTPOSITION %d MAXRESULTS %d", entity, where, start, maxResults)
		var resp struct {
			QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
		}
		if _, err := c.api.GetJSON(ctx, op, "/query", c.query(url.Values{"query": {stmt}}), &resp); err != nil {
			return err
		}
		items, err := apiclient.DecodeObjects(resp.QueryResponse[entity])
		if err != nil {
			return &registry.ConnectionError{Provider: provider, Op: op, Err: fmt.Errorf("decode %s: %w", entity, err)}
		}
		if err := fn(items); err != nil {
			return err
		}
		if len(items) < maxResults {
			return nil
		}
	}
}

// Get reads one entity by id.
func (c *Client) Get(ctx context.Context, entity, id string) (map[string]any, error) {
	op := "get " + entity
	var resp map[string]json.RawMessage
	path := "/" + strings.ToLower(entity) + "/" + url.PathEscape(id)
	if _, err := c.api.GetJSON(ctx, op, path, c.query(nil), &resp); err != nil {
		return nil, err
	}
	obj, err := apiclient.DecodeObject(resp[entity])
	if err != nil {
		return nil, &registry.ConnectionError{Provider: provider, Op: op, Err: err}
	}
	return obj, nil
}

// Save creates an entity, or sparse-updates it when id is set. Updates need
// the current SyncToken, which is fetched when the record does not carry one.
func (c *Client) Save(ctx context.Context, entity, id string, fields map[string]any) (map[string]any, error) {
	op := "create " + entity
	body := apiclient.Without(fields, "Id", "SyncToken", "MetaData", "domain", "sparse")
	if id != "" {
		op = "update " + entity
		token := apiclient.StringValue(fields["SyncToken"])
		if token == "" {
			current, err := c.Get(ctx, entity, id)
			if err != nil {
				return nil, err
			}
			token = apiclient.StringValue(current["SyncToken"])
		}
		body["Id"] = id
		body["SyncToken"] = token
		body["sparse"] = true
	}

	var resp map[string]json.RawMessage
	path := "/" + strings.ToLower(entity)
	if err := c.api.SendJSON(ctx, op, http.MethodPost, path, c.query(nil), body, &resp); err != nil {
		return nil, err
	}
	obj, err := apiclient.DecodeObject(resp[entity])
	if err != nil {
		return nil, &registry.ConnectionError{Provider: provider, Op: op, Err: err}
	}
	return obj, nil
}
