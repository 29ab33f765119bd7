// Package restapi syncs with any JSON REST API that exposes paged list,
// create, and update endpoints per entity type.
package restapi

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
	opts apiclient.Options
}

func New(opts apiclient.Options) *Adapter {
	return &Adapter{opts: opts}
}

var (
	_ registry.Adapter         = (*Adapter)(nil)
	_ registry.ConfigValidator = (*Adapter)(nil)
	_ registry.WebhookResolver = (*Adapter)(nil)
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
	if err := client.Health(ctx); err != nil {
		return apiclient.ProbeFailed(err)
	}
	return registry.ProbeResult{OK: true, Message: "Connected to " + client.cfg.BaseURL}
}

func (a *Adapter) Pull(ctx context.Context, cfg registry.Config, req registry.PullRequest) (registry.RecordBatch, error) {
	client, err := a.client(cfg)
	if err != nil {
		return registry.RecordBatch{}, err
	}

	var batch registry.RecordBatch
	for _, entity := range registry.NormalizeEntityTypes(req.EntityTypes) {
		stage := "list-" + entity
		req.Emit(registry.Event{Source: provider, Stage: stage, Total: registry.UnknownTotal, Message: "listing " + entity + " records"})

		count := int64(0)
		err := client.List(ctx, entity, req.Since, func(items []map[string]any) error {
			for _, item := range items {
				batch.Records = append(batch.Records, client.toRecord(entity, item))
			}
			count += int64(len(items))
			req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: registry.UnknownTotal})
			return nil
		})
		if err != nil {
			req.Emit(registry.Event{Source: provider, Stage: stage, Message: err.Error(), Err: err})
			return registry.RecordBatch{}, err
		}
		req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: count, Done: true, Message: fmt.Sprintf("found %d %s records", count, entity)})
	}
	return batch, nil
}

func (a *Adapter) Push(ctx context.Context, cfg registry.Config, req registry.PushRequest) ([]registry.PushResult, error) {
	client, err := a.client(cfg)
	if err != nil {
		return nil, err
	}
	if client.cfg.PathFor(req.EntityType) == "" {
		return nil, fmt.Errorf("rest api: cannot push entity type %q", req.EntityType)
	}

	results := make([]registry.PushResult, 0, len(req.Records))
	for i, rec := range req.Records {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		obj, err := client.Save(ctx, req.EntityType, rec.ExternalID, rec.Fields)
		if err != nil {
			results = append(results, apiclient.PushFailed(rec, err))
		} else {
			results = append(results, apiclient.PushOK(rec, client.RecordID(obj)))
		}
		req.Emit(registry.Event{Source: provider, Stage: "push-" + req.EntityType, Current: int64(i + 1), Total: int64(len(req.Records))})
	}
	return results, nil
}

// envelope is the webhook body the generic connector accepts:
//
//	{"id": "evt_1", "event": "customer.updated", "data": {...} | [{...}]}
//
// entityType defaults to the part of event before the first dot.
type envelope struct {
	ID         string          `json:"id"`
	Event      string          `json:"event"`
	EntityType string          `json:"entityType"`
	Data       json.RawMessage `json:"data"`
}

func (a *Adapter) DecodeWebhook(_ context.Context, _ http.Header, body []byte) (registry.WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("rest webhook: %w", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return registry.WebhookEvent{}, fmt.Errorf("rest webhook: event is required")
	}
	entityType := strings.TrimSpace(env.EntityType)
	if entityType == "" {
		entityType, _, _ = strings.Cut(env.Event, ".")
	}
	normalized := registry.NormalizeEntityTypes([]string{entityType})
	if len(normalized) == 0 {
		return registry.WebhookEvent{}, fmt.Errorf("rest webhook: unknown entity type %q", entityType)
	}
	entity := normalized[0]

	var objs []map[string]any
	trimmed := strings.TrimSpace(string(env.Data))
	switch {
	case trimmed == "" || trimmed == "null":
	case strings.HasPrefix(trimmed, "["):
		list, err := apiclient.DecodeObjects(env.Data)
		if err != nil {
			return registry.WebhookEvent{}, fmt.Errorf("rest webhook data: %w", err)
		}
		objs = list
	default:
		obj, err := apiclient.DecodeObject(env.Data)
		if err != nil {
			return registry.WebhookEvent{}, fmt.Errorf("rest webhook data: %w", err)
		}
		objs = []map[string]any{obj}
	}

	event := registry.WebhookEvent{EventType: env.Event, EventID: strings.TrimSpace(env.ID)}
	for _, obj := range objs {
		event.Records = append(event.Records, registry.Record{
			EntityType: entity,
			ExternalID: apiclient.StringValue(obj["id"]),
			Fields:     obj,
			UpdatedAt:  updatedAt(obj),
		})
	}
	return event, nil
}

// ResolveWebhook re-keys records when the connector uses an id field other
// than "id", and drops records without one.
func (a *Adapter) ResolveWebhook(_ context.Context, cfg registry.Config, event registry.WebhookEvent) (registry.WebhookEvent, error) {
	c, err := decodeConfig(cfg)
	if err != nil {
		return event, err
	}
	client := &Client{cfg: c}
	out := event
	out.Records = make([]registry.Record, 0, len(event.Records))
	for _, rec := range event.Records {
		rec.ExternalID = client.RecordID(rec.Fields)
		if rec.ExternalID == "" {
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func (a *Adapter) WebhookSignature() registry.SignatureVerifier {
	return registry.HMACSignature{HeaderName: "X-Signature-256", Encoding: registry.EncodingHex, Prefix: "sha256="}
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

func decodeConfig(cfg registry.Config) (configstore.RESTConfig, error) {
	var c configstore.RESTConfig
	if err := configstore.FromMap(cfg, &c); err != nil {
		return c, err
	}
	return c.Normalized(), nil
}

func (c *Client) toRecord(entity string, obj map[string]any) registry.Record {
	return registry.Record{
		EntityType: entity,
		ExternalID: c.RecordID(obj),
		Fields:     obj,
		UpdatedAt:  updatedAt(obj),
	}
}

func updatedAt(obj map[string]any) time.Time {
	for _, key := range []string{"updatedAt", "updated_at", "modifiedAt"} {
		if ts := apiclient.ParseTime(obj[key]); !ts.IsZero() {
			return ts
		}
	}
	return time.Time{}
}
