// Package stripe syncs customers, products, and invoices with Stripe.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

type Adapter struct {
	opts      apiclient.Options
	tolerance time.Duration
}

func New(opts apiclient.Options) *Adapter {
	return &Adapter{opts: opts, tolerance: DefaultSignatureTolerance}
}

var (
	_ registry.Adapter         = (*Adapter)(nil)
	_ registry.ConfigValidator = (*Adapter)(nil)
)

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
	if err := client.Ping(ctx); err != nil {
		return apiclient.ProbeFailed(err)
	}
	return registry.ProbeResult{OK: true, Message: "Connected to Stripe"}
}

func (a *Adapter) Pull(ctx context.Context, cfg registry.Config, req registry.PullRequest) (registry.RecordBatch, error) {
	client, err := a.client(cfg)
	if err != nil {
		return registry.RecordBatch{}, err
	}

	var batch registry.RecordBatch
	for _, entity := range registry.NormalizeEntityTypes(req.EntityTypes) {
		object := objects[entity]
		stage := "list-" + object + "s"
		req.Emit(registry.Event{Source: provider, Stage: stage, Total: registry.UnknownTotal, Message: "listing " + object + "s"})

		count := int64(0)
		err := client.List(ctx, object, req.Since, func(items []map[string]any) error {
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
		req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: count, Done: true, Message: fmt.Sprintf("found %d %ss", count, object)})
	}
	return batch, nil
}

func (a *Adapter) Push(ctx context.Context, cfg registry.Config, req registry.PushRequest) ([]registry.PushResult, error) {
	object, ok := objects[req.EntityType]
	if !ok {
		return nil, fmt.Errorf("stripe: cannot push entity type %q", req.EntityType)
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
		obj, err := client.Save(ctx, object, rec.ExternalID, rec.Fields)
		if err != nil {
			results = append(results, apiclient.PushFailed(rec, err))
		} else {
			results = append(results, apiclient.PushOK(rec, apiclient.StringValue(obj["id"])))
		}
		req.Emit(registry.Event{Source: provider, Stage: "push-" + object + "s", Current: int64(i + 1), Total: int64(len(req.Records))})
	}
	return results, nil
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// DecodeWebhook unwraps a Stripe event. Events for objects other than
// customers, products, and invoices, and *.deleted events, carry no records.
func (a *Adapter) DecodeWebhook(_ context.Context, _ http.Header, body []byte) (registry.WebhookEvent, error) {
	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("stripe webhook: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return registry.WebhookEvent{}, fmt.Errorf("stripe webhook: event id and type are required")
	}
	out := registry.WebhookEvent{EventType: ev.Type, EventID: ev.ID}

	object, action, _ := strings.Cut(ev.Type, ".")
	entity := ""
	for e, o := range objects {
		if o == object {
			entity = e
		}
	}
	if entity == "" || action == "deleted" {
		return out, nil
	}

	obj, err := apiclient.DecodeObject(ev.Data.Object)
	if err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("stripe webhook %s: %w", ev.Type, err)
	}
	rec := toRecord(entity, obj)
	if rec.ExternalID == "" {
		return registry.WebhookEvent{}, fmt.Errorf("stripe webhook %s: object has no id", ev.Type)
	}
	out.Records = []registry.Record{rec}
	return out, nil
}

func (a *Adapter) WebhookSignature() registry.SignatureVerifier {
	return Signature{Tolerance: a.tolerance}
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

func decodeConfig(cfg registry.Config) (configstore.StripeConfig, error) {
	var c configstore.StripeConfig
	if err := configstore.FromMap(cfg, &c); err != nil {
		return c, err
	}
	return c.Normalized(), nil
}

// toRecord uses "updated" when Stripe sends it and falls back to "created".
func toRecord(entity string, obj map[string]any) registry.Record {
	updated := apiclient.ParseTime(obj["updated"])
	if updated.IsZero() {
		updated = apiclient.ParseTime(obj["created"])
	}
	return registry.Record{
		EntityType: entity,
		ExternalID: apiclient.StringValue(obj["id"]),
		Fields:     obj,
		UpdatedAt:  updated,
	}
}
