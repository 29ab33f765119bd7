// Package quickbooks syncs customers, items, and invoices with QuickBooks
// Online through the v3 accounting API.
package quickbooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/parallel"
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
	name, err := client.CompanyName(ctx)
	if err != nil {
		return apiclient.ProbeFailed(err)
	}
	return registry.ProbeResult{OK: true, Message: "Connected to QuickBooks company " + name}
}

func (a *Adapter) Pull(ctx context.Context, cfg registry.Config, req registry.PullRequest) (registry.RecordBatch, error) {
	client, err := a.client(cfg)
	if err != nil {
		return registry.RecordBatch{}, err
	}

	var batch registry.RecordBatch
	for _, entity := range registry.NormalizeEntityTypes(req.EntityTypes) {
		qbName := entities[entity]
		stage := "query-" + strings.ToLower(qbName)
		req.Emit(registry.Event{Source: provider, Stage: stage, Total: registry.UnknownTotal, Message: "querying " + qbName})

		count := int64(0)
		err := client.List(ctx, qbName, req.Since, func(items []map[string]any) error {
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
		req.Emit(registry.Event{Source: provider, Stage: stage, Current: count, Total: count, Done: true, Message: fmt.Sprintf("found %d %s", count, qbName)})
	}
	return batch, nil
}

func (a *Adapter) Push(ctx context.Context, cfg registry.Config, req registry.PushRequest) ([]registry.PushResult, error) {
	qbName, ok := entities[req.EntityType]
	if !ok {
		return nil, fmt.Errorf("quickbooks: cannot push entity type %q", req.EntityType)
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
		obj, err := client.Save(ctx, qbName, rec.ExternalID, rec.Fields)
		if err != nil {
			results = append(results, apiclient.PushFailed(rec, err))
		} else {
			results = append(results, apiclient.PushOK(rec, apiclient.StringValue(obj["Id"])))
		}
		req.Emit(registry.Event{Source: provider, Stage: "push-" + strings.ToLower(qbName), Current: int64(i + 1), Total: int64(len(req.Records))})
	}
	return results, nil
}

type notification struct {
	EventNotifications []struct {
		RealmID         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []struct {
				Name        string `json:"name"`
				ID          string `json:"id"`
				Operation   string `json:"operation"`
				LastUpdated string `json:"lastUpdated"`
			} `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

// DecodeWebhook reads a change notification. Intuit only sends entity ids,
// so records carry Id and MetaData until ResolveWebhook fetches them.
// Intuit has no delivery id; a digest of the body stands in for one.
func (a *Adapter) DecodeWebhook(_ context.Context, _ http.Header, body []byte) (registry.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return registry.WebhookEvent{}, fmt.Errorf("quickbooks webhook: %w", err)
	}
	if len(n.EventNotifications) == 0 {
		return registry.WebhookEvent{}, fmt.Errorf("quickbooks webhook: no eventNotifications")
	}
	sum := sha256.Sum256(body)
	event := registry.WebhookEvent{EventType: "dataChangeEvent", EventID: "qbo-" + hex.EncodeToString(sum[:16])}

	for _, note := range n.EventNotifications {
		for _, e := range note.DataChangeEvent.Entities {
			entity := localEntity(e.Name)
			if entity == "" || e.ID == "" || strings.EqualFold(e.Operation, "Delete") {
				continue
			}
			event.Records = append(event.Records, registry.Record{
				EntityType: entity,
				ExternalID: e.ID,
				Fields: map[string]any{
					"Id":       e.ID,
					"MetaData": map[string]any{"LastUpdatedTime": e.LastUpdated},
				},
				UpdatedAt: apiclient.ParseTime(e.LastUpdated),
			})
		}
	}
	return event, nil
}

// resolveWorkers bounds concurrent entity reads; QuickBooks throttles at ten
// concurrent requests per realm.
const resolveWorkers = 4

type resolved struct {
	rec     registry.Record
	failure *registry.RecordFailure
}

// ResolveWebhook replaces announced records with the current entities. An
// entity that can no longer be read is reported in Failures; connection-wide
// errors abort the resolution.
func (a *Adapter) ResolveWebhook(ctx context.Context, cfg registry.Config, event registry.WebhookEvent) (registry.WebhookEvent, error) {
	if len(event.Records) == 0 {
		return event, nil
	}
	client, err := a.client(cfg)
	if err != nil {
		return event, err
	}
	results, err := parallel.Collect(ctx, event.Records, resolveWorkers, func(ctx context.Context, rec registry.Record) (resolved, error) {
		obj, err := client.Get(ctx, entities[rec.EntityType], rec.ExternalID)
		if err != nil {
			if registry.IsRecordError(err) {
				return resolved{failure: &registry.RecordFailure{
					EntityType: rec.EntityType,
					ExternalID: rec.ExternalID,
					Message:    err.Error(),
				}}, nil
			}
			return resolved{}, err
		}
		return resolved{rec: toRecord(rec.EntityType, obj)}, nil
	}, nil)
	if err != nil {
		return event, err
	}
	out := event
	out.Records = make([]registry.Record, 0, len(results))
	for _, res := range results {
		if res.Value.failure != nil {
			out.Failures = append(out.Failures, *res.Value.failure)
			continue
		}
		out.Records = append(out.Records, res.Value.rec)
	}
	return out, nil
}

func (a *Adapter) WebhookSignature() registry.SignatureVerifier {
	return registry.HMACSignature{HeaderName: "intuit-signature", Encoding: registry.EncodingBase64}
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

func decodeConfig(cfg registry.Config) (configstore.QuickBooksConfig, error) {
	var c configstore.QuickBooksConfig
	if err := configstore.FromMap(cfg, &c); err != nil {
		return c, err
	}
	return c.Normalized(), nil
}

func toRecord(entity string, obj map[string]any) registry.Record {
	updated, _ := apiclient.Lookup(obj, "MetaData.LastUpdatedTime")
	return registry.Record{
		EntityType: entity,
		ExternalID: apiclient.StringValue(obj["Id"]),
		Fields:     obj,
		UpdatedAt:  apiclient.ParseTime(updated),
	}
}
