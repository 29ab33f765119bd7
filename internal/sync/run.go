package sync

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/mapping"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/secrets"
)

// runScope carries the resolved inputs of one executing run.
type runScope struct {
	conn    db.TenantConnector
	run     db.SyncLog
	adapter registry.Adapter
	cfg     registry.Config
	rules   []mapping.Rule
	source  string
	tally   *tally
}

func (o *Orchestrator) run(ctx context.Context, conn db.TenantConnector, run db.SyncLog, t *tally) error {
	if conn.Status == db.ConnectorStatusInactive {
		return ErrConnectorInactive
	}
	adapter, err := o.registry.Lookup(conn.TypeName)
	if err != nil {
		return err
	}
	cfg, err := o.decryptConfig(conn)
	if err != nil {
		return err
	}
	rows, err := o.store.ListFieldMappings(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("load field mappings: %w", err)
	}

	rs := &runScope{
		conn:    conn,
		run:     run,
		adapter: adapter,
		cfg:     cfg,
		rules:   MappingRules(rows),
		source:  registry.ExternalSource(conn.TypeName, conn.ID.String()),
		tally:   t,
	}

	if run.SyncType == string(registry.SyncTypeWebhook) {
		return o.applyWebhook(ctx, rs)
	}

	dir, ok := registry.ParseDirection(run.Direction)
	if !ok {
		return fmt.Errorf("unknown sync direction %q", run.Direction)
	}
	if dir.Inbound() {
		if err := o.pull(ctx, rs); err != nil {
			return err
		}
	}
	if dir.Outbound() {
		if err := o.push(ctx, rs); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) decryptConfig(conn db.TenantConnector) (registry.Config, error) {
	raw, err := o.vault.Decrypt(conn.Config)
	if err != nil {
		return nil, fmt.Errorf("decrypt connector config: %w", err)
	}
	cfg, err := registry.DecodeConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", secrets.ErrCorruptCredential, err)
	}
	return cfg, nil
}

func (o *Orchestrator) reportFunc(conn db.TenantConnector) func(registry.Event) {
	if o.reporter == nil {
		return nil
	}
	source := registry.ExternalSource(conn.TypeName, conn.ID.String())
	return func(ev registry.Event) {
		ev.Source = source
		if ev.At.IsZero() {
			ev.At = o.now()
		}
		o.reporter.Report(ev)
	}
}

// pullSince returns the incremental watermark for inbound pulls. Manual runs
// and connectors configured for full syncs always pull everything.
func pullSince(conn db.TenantConnector, run db.SyncLog) *time.Time {
	if run.SyncType == string(registry.SyncTypeManual) || conn.LastSync == nil {
		return nil
	}
	settings, _ := ParseSettings(conn.SyncSettings)
	if settings.FullSync {
		return nil
	}
	since := *conn.LastSync
	return &since
}

func (o *Orchestrator) pull(ctx context.Context, rs *runScope) error {
	since := pullSince(rs.conn, rs.run)
	if since != nil {
		rs.tally.summary.Since = since.UTC().Format(time.RFC3339)
	}
	batch, err := rs.adapter.Pull(ctx, rs.cfg, registry.PullRequest{
		EntityTypes: rs.run.EntityTypes,
		Mapping:     rs.rules,
		Since:       since,
		Report:      o.reportFunc(rs.conn),
	})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	for _, rec := range batch.Records {
		if err := o.applyInbound(ctx, rs, rec); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) applyWebhook(ctx context.Context, rs *runScope) error {
	event, err := decodeWebhookPayload(rs.run.Payload)
	if err != nil {
		return fmt.Errorf("decode stored webhook event: %w", err)
	}
	rs.tally.summary.EventType = event.EventType
	rs.tally.summary.EventID = event.EventID

	if resolver, ok := rs.adapter.(registry.WebhookResolver); ok {
		event, err = resolver.ResolveWebhook(ctx, rs.cfg, event)
		if err != nil {
			return fmt.Errorf("resolve webhook records: %w", err)
		}
	}
	for _, f := range event.Failures {
		o.fail(rs, registry.DirectionInbound, Issue{
			EntityType: strings.ToLower(strings.TrimSpace(f.EntityType)),
			ExternalID: f.ExternalID,
			Message:    "resolve: " + f.Message,
		})
	}
	for _, rec := range event.Records {
		if err := o.applyInbound(ctx, rs, rec); err != nil {
			return err
		}
	}
	return nil
}

// applyInbound maps and upserts one remote record. Record-level problems are
// tallied as failures; only context errors abort the run.
func (o *Orchestrator) applyInbound(ctx context.Context, rs *runScope, rec registry.Record) error {
	entity := strings.ToLower(strings.TrimSpace(rec.EntityType))
	extID := strings.TrimSpace(rec.ExternalID)
	issue := Issue{EntityType: entity, ExternalID: extID}

	if !slices.Contains(registry.AllEntityTypes, entity) {
		issue.Message = "unsupported entity type"
		o.fail(rs, registry.DirectionInbound, issue)
		return nil
	}
	if extID == "" {
		issue.Message = "record has no external id"
		o.fail(rs, registry.DirectionInbound, issue)
		return nil
	}

	res := o.mapper.Apply(ctx, rs.rules, mapping.Inbound, entity, rec.Fields)
	rs.tally.warn(entity, extID, res.Warnings)
	if res.Failed() {
		issue.Field = res.Errors[0].Field
		issue.Message = res.Err().Error()
		o.fail(rs, registry.DirectionInbound, issue)
		return nil
	}

	attrs, err := json.Marshal(res.Fields)
	if err != nil {
		issue.Message = "encode attributes: " + err.Error()
		o.fail(rs, registry.DirectionInbound, issue)
		return nil
	}
	_, err = o.store.UpsertLocalRecord(ctx, db.UpsertLocalRecordParams{
		EntityType:     entity,
		TenantID:       rs.conn.TenantID,
		ExternalSource: rs.source,
		ExternalID:     extID,
		Attributes:     attrs,
		SyncedAt:       o.now(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("upsert %s %s: %w", entity, extID, ctxErr)
		}
		issue.Message = "store: " + err.Error()
		o.fail(rs, registry.DirectionInbound, issue)
		return nil
	}
	o.succeed(rs, registry.DirectionInbound, entity)
	return nil
}

func (o *Orchestrator) push(ctx context.Context, rs *runScope) error {
	for _, entity := range rs.run.EntityTypes {
		if err := o.pushEntity(ctx, rs, entity); err != nil {
			return err
		}
	}
	return nil
}

// pushEntity sends one batch of changed local rows. Rows beyond the batch
// limit stay pending for the next run.
func (o *Orchestrator) pushEntity(ctx context.Context, rs *runScope, entity string) error {
	rows, err := o.store.ListPendingOutbound(ctx, db.ListPendingOutboundParams{
		EntityType:     entity,
		TenantID:       rs.conn.TenantID,
		ExternalSource: rs.source,
		Limit:          o.outboundBatch,
	})
	if err != nil {
		return fmt.Errorf("list pending %s records: %w", entity, err)
	}
	if len(rows) == 0 {
		return nil
	}
	if len(rows) >= o.outboundBatch {
		rs.tally.summary.OutboundRemaining = true
	}

	records := make([]registry.Record, 0, len(rows))
	localIDs := make(map[string]uuid.UUID, len(rows))
	for _, row := range rows {
		extID := ""
		if row.ExternalID != nil {
			extID = *row.ExternalID
		}
		issue := Issue{EntityType: entity, ExternalID: extID, LocalID: row.ID.String()}

		attrs, err := decodeAttributes(row.Attributes)
		if err != nil {
			issue.Message = "decode attributes: " + err.Error()
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		}
		res := o.mapper.Apply(ctx, rs.rules, mapping.Outbound, entity, attrs)
		rs.tally.warn(entity, extID, res.Warnings)
		if res.Failed() {
			issue.Field = res.Errors[0].Field
			issue.Message = res.Err().Error()
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		}
		localIDs[row.ID.String()] = row.ID
		records = append(records, registry.Record{
			EntityType: entity,
			ExternalID: extID,
			LocalID:    row.ID.String(),
			Fields:     res.Fields,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	if len(records) == 0 {
		return nil
	}

	results, err := rs.adapter.Push(ctx, rs.cfg, registry.PushRequest{
		EntityType: entity,
		Records:    records,
		Mapping:    rs.rules,
		Report:     o.reportFunc(rs.conn),
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", entity, err)
	}
	byLocal := make(map[string]registry.PushResult, len(results))
	for _, r := range results {
		byLocal[r.LocalID] = r
	}

	for _, rec := range records {
		issue := Issue{EntityType: entity, ExternalID: rec.ExternalID, LocalID: rec.LocalID}
		res, ok := byLocal[rec.LocalID]
		switch {
		case !ok:
			issue.Message = "provider returned no result"
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		case !res.OK:
			issue.Message = cmp.Or(strings.TrimSpace(res.Error), "rejected by provider")
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		}
		extID := cmp.Or(strings.TrimSpace(res.ExternalID), rec.ExternalID)
		if extID == "" {
			issue.Message = "provider returned no external id"
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		}
		err := o.store.MarkLocalRecordSynced(ctx, db.MarkLocalRecordSyncedParams{
			EntityType:     entity,
			ID:             localIDs[rec.LocalID],
			ExternalSource: rs.source,
			ExternalID:     extID,
			PushedVersion:  rec.UpdatedAt,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("mark %s %s synced: %w", entity, rec.LocalID, ctxErr)
			}
			issue.ExternalID = extID
			issue.Message = "store: " + err.Error()
			o.fail(rs, registry.DirectionOutbound, issue)
			continue
		}
		o.succeed(rs, registry.DirectionOutbound, entity)
	}
	return nil
}

func (o *Orchestrator) succeed(rs *runScope, dir registry.Direction, entity string) {
	rs.tally.succeed(string(dir), entity)
	metrics.SyncRecordsTotal.WithLabelValues(rs.conn.TypeName, entity, string(dir), "success").Inc()
}

func (o *Orchestrator) fail(rs *runScope, dir registry.Direction, issue Issue) {
	rs.tally.fail(string(dir), issue)
	metrics.SyncRecordsTotal.WithLabelValues(rs.conn.TypeName, issue.EntityType, string(dir), "failure").Inc()
}

func decodeAttributes(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// webhookPayload is the persisted form of a decoded webhook event.
type webhookPayload struct {
	EventType string          `json:"eventType"`
	EventID   string          `json:"eventId,omitempty"`
	Records   []payloadRecord `json:"records"`
}

type payloadRecord struct {
	EntityType string         `json:"entityType"`
	ExternalID string         `json:"externalId"`
	Fields     map[string]any `json:"fields"`
	UpdatedAt  time.Time      `json:"updatedAt,omitzero"`
}

func encodeWebhookPayload(event registry.WebhookEvent) ([]byte, error) {
	p := webhookPayload{EventType: event.EventType, EventID: event.EventID, Records: make([]payloadRecord, 0, len(event.Records))}
	for _, r := range event.Records {
		p.Records = append(p.Records, payloadRecord{
			EntityType: r.EntityType,
			ExternalID: r.ExternalID,
			Fields:     r.Fields,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return json.Marshal(p)
}

func decodeWebhookPayload(raw []byte) (registry.WebhookEvent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return registry.WebhookEvent{}, errors.New("webhook run has no payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p webhookPayload
	if err := dec.Decode(&p); err != nil {
		return registry.WebhookEvent{}, err
	}
	event := registry.WebhookEvent{EventType: p.EventType, EventID: p.EventID, Records: make([]registry.Record, 0, len(p.Records))}
	for _, r := range p.Records {
		event.Records = append(event.Records, registry.Record{
			EntityType: r.EntityType,
			ExternalID: r.ExternalID,
			Fields:     r.Fields,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return event, nil
}

func eventEntityTypes(event registry.WebhookEvent) []string {
	seen := make([]string, 0, len(registry.AllEntityTypes))
	for _, r := range event.Records {
		entity := strings.ToLower(strings.TrimSpace(r.EntityType))
		if entity != "" && !slices.Contains(seen, entity) {
			seen = append(seen, entity)
		}
	}
	slices.Sort(seen)
	return seen
}
