package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/notify"
)

func customerRecords(n int, missingEmail ...int) []registry.Record {
	out := make([]registry.Record, 0, n)
	for i := range n {
		fields := map[string]any{"name": fmt.Sprintf("Customer %d", i)}
		if !slices.Contains(missingEmail, i) {
			fields["email"] = fmt.Sprintf("c%d@example.com", i)
		}
		out = append(out, registry.Record{
			EntityType: registry.EntityCustomer,
			ExternalID: fmt.Sprintf("cus_%02d", i),
			Fields:     fields,
		})
	}
	return out
}

func decodeSummary(t *testing.T, run db.SyncLog) Summary {
	t.Helper()
	var s Summary
	if err := json.Unmarshal(run.SyncSummary, &s); err != nil {
		t.Fatalf("decode summary %s: %v", run.SyncSummary, err)
	}
	return s
}

func assertTimestamps(t *testing.T, run db.SyncLog) {
	t.Helper()
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Fatalf("timestamps not set: started=%v completed=%v", run.StartedAt, run.CompletedAt)
	}
	if run.CompletedAt.Before(*run.StartedAt) {
		t.Fatalf("completed_at %v before started_at %v", run.CompletedAt, run.StartedAt)
	}
}

func TestInboundSyncCountsMappingFailures(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "stripe"}
	adapter.pull = func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
		return registry.RecordBatch{Records: customerRecords(10, 3, 7)}, nil
	}
	h := newHarness(t, adapter)
	h.addMapping(t, registry.EntityCustomer, "email", "email", true)
	h.addMapping(t, registry.EntityCustomer, "name", "name", false)

	run := h.trigger(t, TriggerRequest{Direction: "inbound", EntityTypes: []string{"customer"}})
	if run.Status != db.SyncStatusPending {
		t.Fatalf("trigger status = %q, want pending", run.Status)
	}
	if got := h.executeAll(t); got != 1 {
		t.Fatalf("executed %d jobs, want 1", got)
	}

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusCompleted {
		t.Fatalf("status = %q (%v), want completed", run.Status, run.ErrorMessage)
	}
	if run.RecordsProcessed != 10 || run.RecordsSuccessful != 8 || run.RecordsFailed != 2 {
		t.Fatalf("counts = %d/%d/%d, want 10/8/2", run.RecordsProcessed, run.RecordsSuccessful, run.RecordsFailed)
	}
	assertTimestamps(t, run)

	summary := decodeSummary(t, run)
	if got := summary.Entities[registry.EntityCustomer]; got != (Counts{Processed: 10, Successful: 8, Failed: 2}) {
		t.Fatalf("customer counts = %+v", got)
	}
	if len(summary.Failures) != 2 || summary.Failures[0].ExternalID != "cus_03" || summary.Failures[0].Field != "email" {
		t.Fatalf("failures = %+v", summary.Failures)
	}

	rows := h.store.LocalRecords(registry.EntityCustomer)
	if len(rows) != 8 {
		t.Fatalf("stored %d customers, want 8", len(rows))
	}
	conn := h.connector(t, h.conn.ID)
	if conn.Status != db.ConnectorStatusActive || conn.LastSync == nil || conn.LastError != nil {
		t.Fatalf("connector after success = status %q last_sync %v last_error %v", conn.Status, conn.LastSync, conn.LastError)
	}
	if cfg := adapter.cfgs[0]; cfg.String("apiKey") != "sk_test_123" {
		t.Fatalf("adapter got config %v, want decrypted apiKey", cfg)
	}
}

func TestInboundSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	var round atomic.Int32
	adapter := &fakeAdapter{name: "shopify"}
	adapter.pull = func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
		n := round.Add(1)
		recs := customerRecords(3)
		for i := range recs {
			recs[i].Fields["name"] = fmt.Sprintf("round %d", n)
		}
		return registry.RecordBatch{Records: recs}, nil
	}
	h := newHarness(t, adapter)

	for range 2 {
		h.trigger(t, TriggerRequest{EntityTypes: []string{"customer"}})
		h.executeAll(t)
	}

	rows := h.store.LocalRecords(registry.EntityCustomer)
	if len(rows) != 3 {
		t.Fatalf("stored %d customers after two runs, want 3", len(rows))
	}
	var attrs map[string]any
	if err := json.Unmarshal(rows[0].Attributes, &attrs); err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if attrs["name"] != "round 2" {
		t.Fatalf("name = %v, want round 2", attrs["name"])
	}
	wantSource := registry.ExternalSource("shopify", h.conn.ID.String())
	if rows[0].ExternalSource == nil || *rows[0].ExternalSource != wantSource {
		t.Fatalf("external_source = %v, want %s", rows[0].ExternalSource, wantSource)
	}
}

func TestScheduledSyncPullsSinceLastSync(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "stripe"}
	h := newHarness(t, adapter)

	h.trigger(t, TriggerRequest{})
	h.executeAll(t)
	lastSync := h.connector(t, h.conn.ID).LastSync

	h.trigger(t, TriggerRequest{SyncType: registry.SyncTypeScheduled})
	h.executeAll(t)

	if adapter.pulls[0].Since != nil {
		t.Fatalf("manual run pulled since %v, want full pull", adapter.pulls[0].Since)
	}
	since := adapter.pulls[1].Since
	if since == nil || !since.Equal(*lastSync) {
		t.Fatalf("scheduled run since = %v, want %v", since, lastSync)
	}
}

func TestIncrementalWatermarkCoversChangesDuringRun(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "stripe"}
	h := newHarness(t, adapter)

	// The provider answers the pull, then a record changes remotely while
	// the run is still upserting.
	var remoteChange time.Time
	adapter.pull = func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
		if remoteChange.IsZero() {
			remoteChange = h.clock.Now()
		}
		return registry.RecordBatch{Records: customerRecords(3)}, nil
	}

	first := h.trigger(t, TriggerRequest{SyncType: registry.SyncTypeScheduled})
	h.executeAll(t)
	first = h.syncLog(t, first.ID)
	if first.Status != db.SyncStatusCompleted {
		t.Fatalf("first run = %q", first.Status)
	}
	if !first.CompletedAt.After(remoteChange) {
		t.Fatalf("completed_at %v should be after the remote change %v", first.CompletedAt, remoteChange)
	}
	lastSync := h.connector(t, h.conn.ID).LastSync
	if lastSync == nil || !lastSync.Equal(*first.StartedAt) {
		t.Fatalf("last_sync = %v, want run start %v", lastSync, first.StartedAt)
	}

	h.trigger(t, TriggerRequest{SyncType: registry.SyncTypeScheduled})
	h.executeAll(t)
	since := adapter.pulls[1].Since
	if since == nil || since.After(remoteChange) {
		t.Fatalf("second run since = %v, must not be after remote change at %v", since, remoteChange)
	}
}

func TestTriggerRejectsSecondActiveRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAdapter{name: "stripe"})

	const callers = 8
	var (
		wg       stdsync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for range callers {
		wg.Go(func() {
			_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: h.conn.TenantID, ConnectorID: h.conn.ID})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrSyncAlreadyRunning):
				rejected.Add(1)
			default:
				t.Errorf("Trigger: %v", err)
			}
		})
	}
	wg.Wait()

	if accepted.Load() != 1 || rejected.Load() != callers-1 {
		t.Fatalf("accepted=%d rejected=%d, want 1 and %d", accepted.Load(), rejected.Load(), callers-1)
	}
	if got := len(h.store.Logs(h.conn.ID)); got != 1 {
		t.Fatalf("sync logs = %d, want 1", got)
	}

	h.executeAll(t)
	if _, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: h.conn.TenantID, ConnectorID: h.conn.ID}); err != nil {
		t.Fatalf("Trigger after completion: %v", err)
	}
}

func TestTriggerRejections(t *testing.T) {
	t.Parallel()

	t.Run("inactive connector", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAdapter{name: "stripe"})
		conn := h.addConnector(t, "stripe", "disabled", db.ConnectorStatusInactive)

		_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: conn.TenantID, ConnectorID: conn.ID})
		if !errors.Is(err, ErrConnectorInactive) {
			t.Fatalf("err = %v, want ErrConnectorInactive", err)
		}
		if logs := h.store.Logs(conn.ID); len(logs) != 0 {
			t.Fatalf("created %d logs", len(logs))
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAdapter{name: "stripe"})
		conn := h.addConnector(t, "legacy-erp", "old", db.ConnectorStatusPending)

		_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: conn.TenantID, ConnectorID: conn.ID})
		if !errors.Is(err, registry.ErrUnsupportedProvider) {
			t.Fatalf("err = %v, want ErrUnsupportedProvider", err)
		}
		if logs := h.store.Logs(conn.ID); len(logs) != 0 {
			t.Fatalf("created %d logs", len(logs))
		}
		if got := h.connector(t, conn.ID).Status; got != db.ConnectorStatusPending {
			t.Fatalf("connector status = %q, want pending", got)
		}
	})

	t.Run("unknown direction", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAdapter{name: "stripe"})

		_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: h.conn.TenantID, ConnectorID: h.conn.ID, Direction: "sideways"})
		var verrs registry.ValidationErrors
		if !errors.As(err, &verrs) || !slices.Contains(verrs.Keys(), "direction") {
			t.Fatalf("err = %v, want validation error on direction", err)
		}
	})

	t.Run("other tenant", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAdapter{name: "stripe"})

		_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: uuid.New(), ConnectorID: h.conn.ID})
		if !errors.Is(err, db.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestPullFailureMarksConnectorError(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "quickbooks"}
	adapter.pull = func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
		return registry.RecordBatch{}, &registry.ConnectionError{Provider: "quickbooks", Op: "pull", StatusCode: 401, Auth: true, Err: errors.New("token expired")}
	}
	h := newHarness(t, adapter)

	run := h.trigger(t, TriggerRequest{})
	h.executeAll(t)

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusFailed || run.ErrorMessage == nil {
		t.Fatalf("status = %q message = %v, want failed with message", run.Status, run.ErrorMessage)
	}
	assertTimestamps(t, run)
	if kind := decodeSummary(t, run).ErrorKind; kind != registry.SyncErrorKindAuth {
		t.Fatalf("error kind = %q, want auth", kind)
	}

	conn := h.connector(t, h.conn.ID)
	if conn.Status != db.ConnectorStatusError {
		t.Fatalf("connector status = %q, want error", conn.Status)
	}
	if conn.LastError == nil || *conn.LastError != *run.ErrorMessage {
		t.Fatalf("last_error = %v, want %q", conn.LastError, *run.ErrorMessage)
	}
	if conn.LastSync != nil {
		t.Fatalf("last_sync advanced on failure: %v", conn.LastSync)
	}

	alerts := h.notifier.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != notify.KindSyncFailed || alerts[0].SyncLogID != run.ID {
		t.Fatalf("alerts = %+v", alerts)
	}
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pull     func(context.Context, registry.PullRequest) (registry.RecordBatch, error)
		setup    func(t *testing.T, h *harness)
		wantKind string
		wantMsg  string
	}{
		{
			name: "adapter panic",
			pull: func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
				panic("nil page cursor")
			},
			wantKind: registry.SyncErrorKindUnknown,
			wantMsg:  "panicked",
		},
		{
			name: "corrupt credential",
			setup: func(t *testing.T, h *harness) {
				_, err := h.store.UpdateConnector(context.Background(), db.UpdateConnectorParams{
					ID:       h.conn.ID,
					TenantID: h.conn.TenantID,
					Name:     h.conn.Name,
					Config:   "v1.bogus.AAAA",
					Status:   db.ConnectorStatusActive,
				})
				if err != nil {
					t.Fatalf("UpdateConnector: %v", err)
				}
			},
			wantKind: registry.SyncErrorKindCredential,
			wantMsg:  "decrypt connector config",
		},
		{
			name: "run deadline",
			pull: func(ctx context.Context, _ registry.PullRequest) (registry.RecordBatch, error) {
				<-ctx.Done()
				return registry.RecordBatch{}, ctx.Err()
			},
			setup: func(_ *testing.T, h *harness) {
				h.orch.SetMaxRunDuration(20 * time.Millisecond)
			},
			wantKind: registry.SyncErrorKindTimeout,
			wantMsg:  "deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			adapter := &fakeAdapter{name: "stripe", pull: tt.pull}
			h := newHarness(t, adapter)
			if tt.setup != nil {
				tt.setup(t, h)
			}

			run := h.trigger(t, TriggerRequest{})
			h.executeAll(t)

			run = h.syncLog(t, run.ID)
			if run.Status != db.SyncStatusFailed {
				t.Fatalf("status = %q, want failed", run.Status)
			}
			if run.ErrorMessage == nil || !strings.Contains(*run.ErrorMessage, tt.wantMsg) {
				t.Fatalf("error message = %v, want it to mention %q", run.ErrorMessage, tt.wantMsg)
			}
			if kind := decodeSummary(t, run).ErrorKind; kind != tt.wantKind {
				t.Fatalf("error kind = %q, want %q", kind, tt.wantKind)
			}
			assertTimestamps(t, run)
			if got := h.connector(t, h.conn.ID).Status; got != db.ConnectorStatusError {
				t.Fatalf("connector status = %q, want error", got)
			}
		})
	}
}

func TestUpsertFailureCountsAsRecordFailure(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "stripe"}
	adapter.pull = func(context.Context, registry.PullRequest) (registry.RecordBatch, error) {
		recs := customerRecords(4)
		recs = append(recs, registry.Record{EntityType: "subscription", ExternalID: "sub_1"})
		recs = append(recs, registry.Record{EntityType: registry.EntityCustomer})
		return registry.RecordBatch{Records: recs}, nil
	}
	h := newHarness(t, adapter)
	h.store.FailUpsert = func(arg db.UpsertLocalRecordParams) error {
		if arg.ExternalID == "cus_01" {
			return errors.New("check constraint violated")
		}
		return nil
	}

	run := h.trigger(t, TriggerRequest{})
	h.executeAll(t)

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusCompleted {
		t.Fatalf("status = %q, want completed", run.Status)
	}
	if run.RecordsProcessed != 6 || run.RecordsSuccessful != 3 || run.RecordsFailed != 3 {
		t.Fatalf("counts = %d/%d/%d, want 6/3/3", run.RecordsProcessed, run.RecordsSuccessful, run.RecordsFailed)
	}
}

func TestOutboundSyncPushesPendingRecords(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "quickbooks"}
	adapter.push = func(_ context.Context, req registry.PushRequest) ([]registry.PushResult, error) {
		out := make([]registry.PushResult, 0, len(req.Records))
		for i, rec := range req.Records {
			if i == 2 {
				out = append(out, registry.PushResult{LocalID: rec.LocalID, Error: "duplicate display name"})
				continue
			}
			out = append(out, registry.PushResult{LocalID: rec.LocalID, ExternalID: fmt.Sprintf("qb-%d", i), OK: true})
		}
		return out, nil
	}
	h := newHarness(t, adapter)
	h.addMapping(t, registry.EntityCustomer, "email", "PrimaryEmailAddr.Address", true)
	for i := range 3 {
		h.store.InsertLocalRecord(registry.EntityCustomer, h.conn.TenantID, map[string]any{"email": fmt.Sprintf("o%d@example.com", i)})
	}

	run := h.trigger(t, TriggerRequest{Direction: "outbound", EntityTypes: []string{"customer"}})
	h.executeAll(t)

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusCompleted {
		t.Fatalf("status = %q (%v), want completed", run.Status, run.ErrorMessage)
	}
	if run.RecordsProcessed != 3 || run.RecordsSuccessful != 2 || run.RecordsFailed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 3/2/1", run.RecordsProcessed, run.RecordsSuccessful, run.RecordsFailed)
	}
	if adapter.pullCount() != 0 {
		t.Fatalf("outbound run pulled")
	}
	pushed := adapter.pushes[0].Records
	if len(pushed) != 3 || pushed[0].Fields["PrimaryEmailAddr.Address"] == nil {
		t.Fatalf("pushed records = %+v", pushed)
	}

	pending, err := h.store.ListPendingOutbound(context.Background(), db.ListPendingOutboundParams{
		EntityType:     registry.EntityCustomer,
		TenantID:       h.conn.TenantID,
		ExternalSource: registry.ExternalSource("quickbooks", h.conn.ID.String()),
	})
	if err != nil {
		t.Fatalf("ListPendingOutbound: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after push = %d, want 1", len(pending))
	}
}

func TestOutboundEditDuringPushStaysPending(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "quickbooks"}
	h := newHarness(t, adapter)
	h.addMapping(t, registry.EntityCustomer, "email", "PrimaryEmailAddr.Address", true)
	row := h.store.InsertLocalRecord(registry.EntityCustomer, h.conn.TenantID, map[string]any{"email": "before@example.com"})

	adapter.push = func(_ context.Context, req registry.PushRequest) ([]registry.PushResult, error) {
		// The billing app edits the row while the provider is writing it.
		h.store.EditLocalRecord(registry.EntityCustomer, row.ID, map[string]any{"email": "after@example.com"})
		out := make([]registry.PushResult, 0, len(req.Records))
		for _, rec := range req.Records {
			out = append(out, registry.PushResult{LocalID: rec.LocalID, ExternalID: "qb-1", OK: true})
		}
		return out, nil
	}

	outbound := TriggerRequest{Direction: "outbound", EntityTypes: []string{"customer"}}
	run := h.trigger(t, outbound)
	h.executeAll(t)
	if got := h.syncLog(t, run.ID); got.Status != db.SyncStatusCompleted || got.RecordsSuccessful != 1 {
		t.Fatalf("run = %q successful=%d", got.Status, got.RecordsSuccessful)
	}

	source := registry.ExternalSource("quickbooks", h.conn.ID.String())
	pending, err := h.store.ListPendingOutbound(context.Background(), db.ListPendingOutboundParams{
		EntityType:     registry.EntityCustomer,
		TenantID:       h.conn.TenantID,
		ExternalSource: source,
	})
	if err != nil {
		t.Fatalf("ListPendingOutbound: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != row.ID {
		t.Fatalf("pending after mid-push edit = %+v, want the edited row", pending)
	}
	if pending[0].ExternalID == nil || *pending[0].ExternalID != "qb-1" {
		t.Fatalf("external id = %v, want qb-1", pending[0].ExternalID)
	}

	adapter.push = nil
	h.trigger(t, outbound)
	h.executeAll(t)
	second := adapter.pushes[1].Records
	if len(second) != 1 || second[0].Fields["PrimaryEmailAddr.Address"] != "after@example.com" || second[0].ExternalID != "qb-1" {
		t.Fatalf("second push = %+v, want the edit against qb-1", second)
	}
}

func TestWebhookRunLeavesConnectorHealthAlone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAdapter{name: "shopify"})

	// A pending manual run does not block webhook runs.
	manual := h.trigger(t, TriggerRequest{})

	event := registry.WebhookEvent{
		EventType: "customers/update",
		EventID:   "evt_1",
		Records:   customerRecords(2),
	}
	run, err := h.orch.TriggerWebhook(context.Background(), h.conn, event)
	if err != nil {
		t.Fatalf("TriggerWebhook: %v", err)
	}
	if run.SyncType != string(registry.SyncTypeWebhook) || !slices.Equal(run.EntityTypes, []string{"customer"}) {
		t.Fatalf("webhook log = %+v", run)
	}

	for _, job := range h.dispatcher.drain() {
		if job.SyncLogID != run.ID {
			continue
		}
		if err := h.orch.Execute(context.Background(), job); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusCompleted || run.RecordsSuccessful != 2 {
		t.Fatalf("webhook run = %q %d/%d/%d", run.Status, run.RecordsProcessed, run.RecordsSuccessful, run.RecordsFailed)
	}
	if s := decodeSummary(t, run); s.EventType != "customers/update" || s.EventID != "evt_1" {
		t.Fatalf("summary event = %q/%q", s.EventType, s.EventID)
	}
	if conn := h.connector(t, h.conn.ID); conn.LastSync != nil {
		t.Fatalf("webhook run advanced last_sync to %v", conn.LastSync)
	}
	if got := h.syncLog(t, manual.ID).Status; got != db.SyncStatusPending {
		t.Fatalf("manual run status = %q, want pending", got)
	}
}

type resolvingAdapter struct {
	*fakeAdapter
}

func (a resolvingAdapter) ResolveWebhook(_ context.Context, _ registry.Config, event registry.WebhookEvent) (registry.WebhookEvent, error) {
	for i := range event.Records {
		event.Records[i].Fields = map[string]any{"name": "resolved " + event.Records[i].ExternalID}
	}
	return event, nil
}

func TestWebhookRunResolvesAnnouncedRecords(t *testing.T) {
	t.Parallel()

	base := &fakeAdapter{name: "quickbooks"}
	h := newHarness(t, base)
	reg := registry.NewRegistry()
	if err := reg.Register(resolvingAdapter{base}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.orch.registry = reg

	event := registry.WebhookEvent{EventType: "Customer.Update", Records: []registry.Record{{EntityType: "customer", ExternalID: "58"}}}
	if _, err := h.orch.TriggerWebhook(context.Background(), h.conn, event); err != nil {
		t.Fatalf("TriggerWebhook: %v", err)
	}
	h.executeAll(t)

	rows := h.store.LocalRecords(registry.EntityCustomer)
	if len(rows) != 1 || !strings.Contains(string(rows[0].Attributes), "resolved 58") {
		t.Fatalf("rows = %+v", rows)
	}
}

type partialResolver struct {
	*fakeAdapter
}

func (a partialResolver) ResolveWebhook(_ context.Context, _ registry.Config, event registry.WebhookEvent) (registry.WebhookEvent, error) {
	out := event
	out.Records = nil
	for _, rec := range event.Records {
		if rec.ExternalID == "gone" {
			out.Failures = append(out.Failures, registry.RecordFailure{EntityType: rec.EntityType, ExternalID: rec.ExternalID, Message: "Not Found"})
			continue
		}
		rec.Fields = map[string]any{"name": "resolved " + rec.ExternalID}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func TestWebhookRunTalliesUnresolvableRecords(t *testing.T) {
	t.Parallel()

	base := &fakeAdapter{name: "quickbooks"}
	h := newHarness(t, base)
	reg := registry.NewRegistry()
	if err := reg.Register(partialResolver{base}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.orch.registry = reg

	event := registry.WebhookEvent{EventType: "dataChangeEvent", Records: []registry.Record{
		{EntityType: "customer", ExternalID: "58"},
		{EntityType: "customer", ExternalID: "gone"},
	}}
	run, err := h.orch.TriggerWebhook(context.Background(), h.conn, event)
	if err != nil {
		t.Fatalf("TriggerWebhook: %v", err)
	}
	h.executeAll(t)

	run = h.syncLog(t, run.ID)
	if run.Status != db.SyncStatusCompleted {
		t.Fatalf("status = %q (%v), want completed", run.Status, run.ErrorMessage)
	}
	if run.RecordsProcessed != 2 || run.RecordsSuccessful != 1 || run.RecordsFailed != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", run.RecordsProcessed, run.RecordsSuccessful, run.RecordsFailed)
	}
	if rows := h.store.LocalRecords(registry.EntityCustomer); len(rows) != 1 {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestRecordWebhookFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAdapter{name: "stripe"})
	run, err := h.orch.RecordWebhookFailure(context.Background(), h.conn, errors.New("unexpected end of JSON input"))
	if err != nil {
		t.Fatalf("RecordWebhookFailure: %v", err)
	}
	if run.Status != db.SyncStatusFailed || run.ErrorMessage == nil || !strings.HasPrefix(*run.ErrorMessage, "decode webhook") {
		t.Fatalf("run = %q %v", run.Status, run.ErrorMessage)
	}
	assertTimestamps(t, run)
	assertPassedThroughRunning(t, h, run.ID)
	if got := h.connector(t, h.conn.ID).Status; got != db.ConnectorStatusActive {
		t.Fatalf("connector status = %q, want active", got)
	}
}

func TestDispatchFailureClosesLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeAdapter{name: "stripe"})
	h.dispatcher.err = ErrQueueFull

	_, err := h.orch.Trigger(context.Background(), TriggerRequest{TenantID: h.conn.TenantID, ConnectorID: h.conn.ID})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	logs := h.store.Logs(h.conn.ID)
	if len(logs) != 1 || logs[0].Status != db.SyncStatusFailed {
		t.Fatalf("logs = %+v", logs)
	}
	assertPassedThroughRunning(t, h, logs[0].ID)
	assertTimestamps(t, logs[0])

	h.dispatcher.err = nil
	h.trigger(t, TriggerRequest{})
}

func TestExecuteIgnoresHandledRuns(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{name: "stripe"}
	h := newHarness(t, adapter)
	h.trigger(t, TriggerRequest{})
	jobs := h.dispatcher.drain()

	for range 2 {
		if err := h.orch.Execute(context.Background(), jobs[0]); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if got := adapter.pullCount(); got != 1 {
		t.Fatalf("pulls = %d, want 1", got)
	}
}

func TestExecuteConnectorLock(t *testing.T) {
	t.Parallel()

	t.Run("held elsewhere", func(t *testing.T) {
		t.Parallel()
		adapter := &fakeAdapter{name: "stripe"}
		h := newHarness(t, adapter)
		locks := &fakeLockManager{held: map[string]bool{ScopeConnector + "/" + h.conn.ID.String(): true}}
		h.orch.SetLockManager(locks)

		run := h.trigger(t, TriggerRequest{})
		h.executeAll(t)

		run = h.syncLog(t, run.ID)
		if run.Status != db.SyncStatusFailed || !strings.Contains(*run.ErrorMessage, "lock") {
			t.Fatalf("run = %q %v", run.Status, run.ErrorMessage)
		}
		if adapter.pullCount() != 0 {
			t.Fatalf("adapter called without the lock")
		}
		assertPassedThroughRunning(t, h, run.ID)
		if got := h.connector(t, h.conn.ID).Status; got != db.ConnectorStatusActive {
			t.Fatalf("connector status = %q, want active", got)
		}
	})

	t.Run("acquired and released", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, &fakeAdapter{name: "stripe"})
		locks := &fakeLockManager{}
		h.orch.SetLockManager(locks)

		run := h.trigger(t, TriggerRequest{})
		h.executeAll(t)

		if got := h.syncLog(t, run.ID).Status; got != db.SyncStatusCompleted {
			t.Fatalf("status = %q, want completed", got)
		}
		if len(locks.acquired) != 1 || locks.released != 1 {
			t.Fatalf("acquired=%v released=%d", locks.acquired, locks.released)
		}
	})
}
