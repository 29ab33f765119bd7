package sync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/db/dbtest"
	"github.com/orionX123/billing/internal/notify"
	"github.com/orionX123/billing/internal/secrets"
)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAdapter struct {
	name string
	pull func(ctx context.Context, req registry.PullRequest) (registry.RecordBatch, error)
	push func(ctx context.Context, req registry.PushRequest) ([]registry.PushResult, error)

	mu     sync.Mutex
	pulls  []registry.PullRequest
	pushes []registry.PushRequest
	cfgs   []registry.Config
}

func (a *fakeAdapter) Type() registry.ConnectorType {
	return registry.ConnectorType{Name: a.name, DisplayName: a.name, Category: registry.CategoryPayment, IsActive: true}
}

func (a *fakeAdapter) Probe(context.Context, registry.Config) registry.ProbeResult {
	return registry.ProbeResult{OK: true, Message: "ok"}
}

func (a *fakeAdapter) Pull(ctx context.Context, cfg registry.Config, req registry.PullRequest) (registry.RecordBatch, error) {
	a.mu.Lock()
	a.pulls = append(a.pulls, req)
	a.cfgs = append(a.cfgs, cfg)
	a.mu.Unlock()
	if a.pull == nil {
		return registry.RecordBatch{}, nil
	}
	return a.pull(ctx, req)
}

func (a *fakeAdapter) Push(ctx context.Context, _ registry.Config, req registry.PushRequest) ([]registry.PushResult, error) {
	a.mu.Lock()
	a.pushes = append(a.pushes, req)
	a.mu.Unlock()
	if a.push != nil {
		return a.push(ctx, req)
	}
	out := make([]registry.PushResult, 0, len(req.Records))
	for _, rec := range req.Records {
		out = append(out, registry.PushResult{LocalID: rec.LocalID, ExternalID: "remote-" + rec.LocalID, OK: true})
	}
	return out, nil
}

func (a *fakeAdapter) DecodeWebhook(context.Context, http.Header, []byte) (registry.WebhookEvent, error) {
	return registry.WebhookEvent{}, errors.New("not implemented")
}

func (a *fakeAdapter) WebhookSignature() registry.SignatureVerifier {
	return registry.HMACSignature{HeaderName: "X-Test-Signature", Encoding: registry.EncodingHex}
}

func (a *fakeAdapter) pullCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pulls)
}

type captureDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *captureDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *captureDispatcher) drain() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.jobs
	d.jobs = nil
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a notify.Alert) {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
}

func (n *recordingNotifier) Alerts() []notify.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Alert(nil), n.alerts...)
}

type fakeLock struct {
	kind, name string
	released   *int
	mu         *sync.Mutex
}

func (l fakeLock) ScopeKind() string { return l.kind }
func (l fakeLock) ScopeName() string { return l.name }

func (l fakeLock) StartHeartbeat(context.Context, func(error)) func() { return func() {} }

func (l fakeLock) Release(context.Context) error {
	l.mu.Lock()
	*l.released++
	l.mu.Unlock()
	return nil
}

type fakeLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released int
	err      error
}

func (m *fakeLockManager) TryAcquire(_ context.Context, kind, name string) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	key := kind + "/" + name
	if m.held[key] {
		return nil, false, nil
	}
	m.acquired = append(m.acquired, key)
	return fakeLock{kind: kind, name: name, released: &m.released, mu: &m.mu}, true, nil
}

func (m *fakeLockManager) Acquire(ctx context.Context, kind, name string) (Lock, error) {
	lock, ok, err := m.TryAcquire(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("lock held")
	}
	return lock, nil
}

type harness struct {
	store      *dbtest.Store
	vault      *secrets.Vault
	registry   *registry.Registry
	orch       *Orchestrator
	adapter    *fakeAdapter
	dispatcher *captureDispatcher
	notifier   *recordingNotifier
	clock      *stepClock
	conn       db.TenantConnector
}

func newHarness(t *testing.T, adapter *fakeAdapter) *harness {
	t.Helper()

	clock := newStepClock()
	store := dbtest.New()
	store.Now = clock.Now

	vault, err := secrets.New(bytes.Repeat([]byte{7}, secrets.KeySize))
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	reg := registry.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}

	h := &harness{
		store:      store,
		vault:      vault,
		registry:   reg,
		adapter:    adapter,
		dispatcher: &captureDispatcher{},
		notifier:   &recordingNotifier{},
		clock:      clock,
	}
	h.conn = h.addConnector(t, adapter.name, "primary", db.ConnectorStatusActive)

	h.orch = NewOrchestrator(store, reg, vault)
	h.orch.SetLogger(slog.New(slog.DiscardHandler))
	h.orch.SetDispatcher(h.dispatcher)
	h.orch.SetNotifier(h.notifier)
	h.orch.now = clock.Now
	return h
}

func (h *harness) addConnector(t *testing.T, typeName, name, status string) db.TenantConnector {
	t.Helper()
	ctx := context.Background()
	ct, err := h.store.GetConnectorTypeByName(ctx, typeName)
	if errors.Is(err, db.ErrNotFound) {
		ct, err = h.store.UpsertConnectorType(ctx, db.UpsertConnectorTypeParams{
			Name:           typeName,
			DisplayName:    typeName,
			Category:       string(registry.CategoryPayment),
			ConfigSchema:   []byte(`{"type":"object"}`),
			SupportsAPIKey: true,
			IsActive:       true,
		})
	}
	if err != nil {
		t.Fatalf("connector type: %v", err)
	}
	sealed, err := h.vault.Encrypt([]byte(`{"apiKey":"sk_test_123"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tenant := uuid.New()
	if h.conn.ID != uuid.Nil {
		tenant = h.conn.TenantID
	}
	conn, err := h.store.CreateConnector(ctx, db.CreateConnectorParams{
		TenantID:        tenant,
		ConnectorTypeID: ct.ID,
		Name:            name,
		Config:          sealed,
	})
	if err != nil {
		t.Fatalf("CreateConnector: %v", err)
	}
	if err := h.store.SetConnectorStatus(ctx, conn.ID, status, nil); err != nil {
		t.Fatalf("SetConnectorStatus: %v", err)
	}
	return h.connector(t, conn.ID)
}

func (h *harness) connector(t *testing.T, id uuid.UUID) db.TenantConnector {
	t.Helper()
	conn, err := h.store.GetConnectorByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConnectorByID: %v", err)
	}
	return conn
}

func (h *harness) addMapping(t *testing.T, entity, local, remote string, required bool) {
	t.Helper()
	_, err := h.store.UpsertFieldMapping(context.Background(), db.UpsertFieldMappingParams{
		TenantConnectorID: h.conn.ID,
		EntityType:        entity,
		LocalField:        local,
		RemoteField:       remote,
		MappingType:       "direct",
		IsRequired:        required,
	})
	if err != nil {
		t.Fatalf("UpsertFieldMapping: %v", err)
	}
}

func (h *harness) trigger(t *testing.T, req TriggerRequest) db.SyncLog {
	t.Helper()
	if req.TenantID == uuid.Nil {
		req.TenantID = h.conn.TenantID
	}
	if req.ConnectorID == uuid.Nil {
		req.ConnectorID = h.conn.ID
	}
	run, err := h.orch.Trigger(context.Background(), req)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	return run
}

// executeAll runs every dispatched job and returns how many ran.
func (h *harness) executeAll(t *testing.T) int {
	t.Helper()
	jobs := h.dispatcher.drain()
	for _, job := range jobs {
		if err := h.orch.Execute(context.Background(), job); err != nil {
			t.Fatalf("Execute(%s): %v", job.SyncLogID, err)
		}
	}
	return len(jobs)
}

func (h *harness) syncLog(t *testing.T, id uuid.UUID) db.SyncLog {
	t.Helper()
	run, err := h.store.GetSyncLog(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSyncLog: %v", err)
	}
	return run
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// assertPassedThroughRunning checks that a terminal log was started before
// it finished.
func assertPassedThroughRunning(t *testing.T, h *harness, id uuid.UUID) {
	t.Helper()
	got := h.store.StatusHistory(id)
	if len(got) != 3 || got[0] != db.SyncStatusPending || got[1] != db.SyncStatusRunning {
		t.Fatalf("status history = %v, want pending, running, terminal", got)
	}
}
