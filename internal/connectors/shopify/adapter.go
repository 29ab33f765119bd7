// Package shopify syncs customers, products, and orders with a Shopify store
// through the Admin REST API.
package shopify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/mapping"
)

type Adapter struct {
	opts apiclient.Options
}

func New(opts apiclient.Options) *Adapter {
	return &Adapter{opts: opts}
}

var _ registry.Adapter = (*Adapter)(nil)
var _ registry.ConfigValidator = (*Adapter)(nil)

func (a *Adapter) Type() registry.ConnectorType { return Definition() }

func (a *Adapter) ValidateConfig(cfg registry.Config) registry.ValidationErrors {
	c, err := decodeConfig(cfg)
	if err != nil {
		return registry.ValidationErrors{{Key: "config", Message: err.Error()}}
	}
	return registry.ValidationErrorsFrom(c.Validate())
}

func (a *Adapter) Probe(ctx context.Context, cfg registry.Config) registry.ProbeResult {
	client, err := a.client(cfg)
	if err != nil {
		return apiclient.ProbeFailed(err)
	}
	shop, err := client.Shop(ctx)
	if err != nil {
		return apiclient.ProbeFailed(err)
	}
	name := strings.TrimSpace(shop.Name)
	if name == "" {
		name = shop.Domain
	}
	return registry.ProbeResult{OK: true, Message: "Connected to Shopify store " + name}
}

func (a *Adapter) Pull(ctx context.Context, cfg registry.Config, req registry.PullRequest) (registry.RecordBatch, error) {
	client, err := a.client(cfg)
	if err != nil {
		return registry.RecordBatch{}, err
	}

	var batch registry.RecordBatch
	for _, entity := range registry.NormalizeEntityTypes(req.EntityTypes) {
		res, ok := resourceFor(entity)
		if !ok {
			continue
		}
		stage := "list-" + res.plural
		req.Emit(registry.Event{Source: provider, Stage: stage, Total: registry.UnknownTotal, Message: "listing " + res.plural})

		count := int64(0)
		err := client.List(ctx, res, mapping.SelectableFields(req.Mapping, entity), req.Since, func(items []map[string]any) error {
			for _, item := range items {
				batch.Records = append(batch.Records, toRecord(entity, item))
			}
			count += int64(len(items))
			req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: registry.UnknownTotal})
			return nil
		})
		if err != nil {
			req.Emit(registry.Event{Source: provider, Stage: stage, Message: err.Error(), Err: err})
			return registry.RecordBatch{}, err
		}
		req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: count, Done: true, Message: fmt.Sprintf("found %d %s", count, res.plural)})
	}
	return batch, nil
}

func (a *Adapter) Push(ctx context.Context, cfg registry.Config, req registry.PushRequest) ([]registry.PushResult, error) {
	res, ok := resourceFor(req.EntityType)
	if !ok {
		return nil, fmt.Errorf("shopify: cannot push entity type %q", req.EntityType)
	}
	client, err := a.client(cfg)
	if err != nil {
		return nil, err
	}

	results := make([]registry.PushResult, 0, len(req.Records))
	for i, rec := range req.Records {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		obj, err := client.Save(ctx, res, rec.ExternalID, apiclient.Without(rec.Fields, "id"))
		if err != nil {
			results = append(results, apiclient.PushFailed(rec, err))
		} else {
			results = append(results, apiclient.PushOK(rec, apiclient.StringValue(obj["id"])))
		}
		req.Emit(registry.Event{Source: provider, Stage: "push-" + res.plural, Current: int64(i + 1), Total: int64(len(req.Records))})
	}
	return results, nil
}

// DecodeWebhook reads the resource from X-Shopify-Topic. Delete topics and
// topics for unsynced resources decode to an event without records.
func (a *Adapter) DecodeWebhook(_ context.Context, headers http.Header, body []byte) (registry.WebhookEvent, error) {
	topic := strings.ToLower(strings.TrimSpace(headers.Get("X-Shopify-Topic")))
	if topic == "" {
		return registry.WebhookEvent{}, fmt.Errorf("shopify webhook: missing X-Shopify-Topic header")
	}
	event := registry.WebhookEvent{
		EventType: topic,
		EventID:   strings.TrimSpace(headers.Get("X-Shopify-Webhook-Id")),
	}

	plural, action, _ := strings.Cut(topic, "/")
	entity := ""
	for e, res := range resources {
		if res.plural == plural {
			entity = e
		}
	}
	if entity == "" || action == "delete" {
		return event, nil
	}

	obj, err := apiclient.DecodeObject(body)
	if err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("shopify webhook %s: %w", topic, err)
	}
	rec := toRecord(entity, obj)
	if rec.ExternalID == "" {
		return registry.WebhookEvent{}, fmt.Errorf("shopify webhook %s: payload has no id", topic)
	}
	event.Records = []registry.Record{rec}
	return event, nil
}

func (a *Adapter) WebhookSignature() registry.SignatureVerifier {
	return registry.HMACSignature{HeaderName: "X-Shopify-Hmac-Sha256", Encoding: registry.EncodingBase64}
}

func (a *Adapter) client(cfg registry.Config) (*Client, error) {
	c, err := decodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return NewClient(c, a.opts)
}

func decodeConfig(cfg registry.Config) (configstore.ShopifyConfig, error) {
	var c configstore.ShopifyConfig
	if err := configstore.FromMap(cfg, &c); err != nil {
		return c, err
	}
	return c.Normalized(), nil
}

func toRecord(entity string, obj map[string]any) registry.Record {
	return registry.Record{
		EntityType: entity,
		ExternalID: apiclient.StringValue(obj["id"]),
		Fields:     obj,
		UpdatedAt:  apiclient.ParseTime(obj["updated_at"]),
	}
}
