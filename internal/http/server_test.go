package httpapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/orionX123/billing/internal/connectors/apiclient"
	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/connectors/service"
	"github.com/orionX123/billing/internal/connectors/stripe"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/db/dbtest"
	"github.com/orionX123/billing/internal/http/authn"
	"github.com/orionX123/billing/internal/http/handlers"
	"github.com/orionX123/billing/internal/secrets"
	"github.com/orionX123/billing/internal/sync"
	"github.com/orionX123/billing/internal/webhook"
)

func TestHTTPErrorHandlerInternalErrorIsGeneric(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.DiscardHandler)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(handlers.ContextKeyRequestID, "req-123")

	es := &EchoServer{h: &handlers.Handlers{}, e: e}
	es.httpErrorHandler(c, errors.New("very sensitive error"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusInternalServerError)
	}

	body := rec.Body.String()
	if strings.Contains(body, "very sensitive") {
		t.Fatalf("response leaked error details: %q", body)
	}
	if !strings.Contains(body, "Internal server error") {
		t.Fatalf("response missing generic message: %q", body)
	}
	if !strings.Contains(body, "Reference: req-123") {
		t.Fatalf("response missing request reference: %q", body)
	}
	if !strings.Contains(body, handlers.InternalErrorCode) {
		t.Fatalf("response missing error code: %q", body)
	}
}

func TestHTTPErrorHandlerNotFoundDoesNotLeakMessage(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.DiscardHandler)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	es := &EchoServer{h: &handlers.Handlers{}, e: e}
	es.httpErrorHandler(c, fmt.Errorf("connector 42 in tenant acme: %w", db.ErrNotFound))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusNotFound)
	}
	if body := rec.Body.String(); strings.Contains(body, "acme") {
		t.Fatalf("response leaked error details: %q", body)
	}
}

func TestHTTPErrorHandlerBadRequestUsesStatusText(t *testing.T) {
	e := echo.New()
	e.Logger = slog.New(slog.DiscardHandler)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/bad", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	es := &EchoServer{h: &handlers.Handlers{}, e: e}
	es.httpErrorHandler(c, echo.NewHTTPError(http.StatusBadRequest, "leaky bad request"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want %d", rec.Code, http.StatusBadRequest)
	}
	body := rec.Body.String()
	if strings.Contains(body, "leaky") {
		t.Fatalf("response leaked error details: %q", body)
	}
	if !strings.Contains(body, http.StatusText(http.StatusBadRequest)) {
		t.Fatalf("body=%q want status text", body)
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: registry.ValidationErrors{{Key: "apiKey", Message: "is required"}}, want: http.StatusUnprocessableEntity},
		{name: "not found", err: fmt.Errorf("load: %w", db.ErrNotFound), want: http.StatusNotFound},
		{name: "webhook endpoint", err: webhook.ErrNotFound, want: http.StatusNotFound},
		{name: "unsupported provider", err: fmt.Errorf("%w: paypal", registry.ErrUnsupportedProvider), want: http.StatusBadRequest},
		{name: "unauthorized", err: fmt.Errorf("%w: bad signature", registry.ErrUnauthorized), want: http.StatusUnauthorized},
		{name: "already running", err: sync.ErrSyncAlreadyRunning, want: http.StatusConflict},
		{name: "inactive", err: sync.ErrConnectorInactive, want: http.StatusConflict},
		{name: "echo not found", err: echo.ErrNotFound, want: http.StatusNotFound},
		{name: "echo forbidden", err: echo.ErrForbidden, want: http.StatusForbidden},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := httpStatusFromError(tt.err); got != tt.want {
				t.Fatalf("status=%d want %d", got, tt.want)
			}
		})
	}
}

type apiHarness struct {
	store  *dbtest.Store
	server *EchoServer
	tenant uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	store := dbtest.New()
	vault, err := secrets.New(bytes.Repeat([]byte{5}, secrets.KeySize))
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	reg := registry.NewRegistry()
	if err := reg.Register(stripe.New(apiclient.Options{})); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := service.SeedCatalog(ctx, store, reg); err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}

	orch := sync.NewOrchestrator(store, reg, vault)
	orch.SetDispatcher(sync.DispatcherFunc(func(context.Context, sync.Job) error { return nil }))
	orch.SetLogger(logger)

	svc := service.New(store, reg, vault, orch)
	svc.SetLogger(logger)
	ingestor := webhook.NewIngestor(store, reg, vault, orch)
	ingestor.SetLogger(logger)

	h := &handlers.Handlers{Connectors: svc, Webhooks: ingestor, WebhookMaxBodyBytes: 4096}
	return &apiHarness{store: store, server: NewEchoServer(h, logger), tenant: uuid.New()}
}

func (a *apiHarness) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(authn.HeaderTenantID, a.tenant.String())
	if role != "" {
		req.Header.Set(authn.HeaderUserRole, role)
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) createStripe(t *testing.T, apiBase string) service.Connector {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/connectors", "admin", map[string]any{
		"connectorType": "stripe",
		"name":          "payments",
		"config":        map[string]any{"apiKey": "sk_test_abc", "apiBase": apiBase},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	var conn service.Connector
	if err := json.Unmarshal(rec.Body.Bytes(), &conn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return conn
}

func TestCreateConnectorOverHTTP(t *testing.T) {
	t.Parallel()

	a := newAPIHarness(t)

	if rec := a.do(t, http.MethodPost, "/api/connectors", "viewer", map[string]any{"connectorType": "stripe"}); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer create status=%d want 403", rec.Code)
	}

	rec := a.do(t, http.MethodPost, "/api/connectors", "admin", map[string]any{"connectorType": "stripe", "name": "payments", "config": map[string]any{}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d want 422 body=%s", rec.Code, rec.Body.String())
	}
	var verr struct {
		Fields []registry.ValidationError `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slices.ContainsFunc(verr.Fields, func(f registry.ValidationError) bool { return f.Key == "apiKey" }) {
		t.Fatalf("fields=%+v, want apiKey", verr.Fields)
	}

	conn := a.createStripe(t, "")
	if conn.Status != db.ConnectorStatusPending || conn.Config.String("apiKey") != "sk_****_abc" {
		t.Fatalf("conn=%+v", conn)
	}
	if conn.Webhook == nil || conn.Webhook.Secret == "" {
		t.Fatal("create response missing webhook secret")
	}

	rec = a.do(t, http.MethodGet, "/api/connectors/"+conn.ID.String(), "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "sk_test_abc") || strings.Contains(body, conn.Webhook.Secret) {
		t.Fatalf("read view leaked secrets: %s", body)
	}
}

func TestRequestsWithoutTenantAreRejected(t *testing.T) {
	t.Parallel()

	a := newAPIHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/connectors", nil)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d want 401", rec.Code)
	}

	if rec := a.do(t, http.MethodGet, "/api/connectors/not-a-uuid", "admin", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("malformed id status=%d want 404", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/connectors/"+uuid.NewString(), "admin", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status=%d want 404", rec.Code)
	}
}

func TestProbeAndSyncOverHTTP(t *testing.T) {
	t.Parallel()

	stripeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid API Key provided"}}`))
	}))
	t.Cleanup(stripeAPI.Close)

	a := newAPIHarness(t)
	conn := a.createStripe(t, stripeAPI.URL)
	base := "/api/connectors/" + conn.ID.String()

	rec := a.do(t, http.MethodPost, base+"/test", "admin", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("test status=%d body=%s", rec.Code, rec.Body.String())
	}
	var probe struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &probe); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if probe.OK || probe.Message == "" {
		t.Fatalf("probe=%+v, want failure", probe)
	}

	rec = a.do(t, http.MethodPost, base+"/sync", "admin", map[string]any{"direction": "inbound"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, base+"/sync", "admin", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second sync status=%d want 409", rec.Code)
	}

	rec = a.do(t, http.MethodGet, base+"/logs?page=1&per_page=10", "viewer", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status=%d", rec.Code)
	}
	var logs struct {
		Items      []service.SyncLog `json:"items"`
		Total      int64             `json:"total"`
		TotalPages int               `json:"totalPages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &logs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if logs.Total != 1 || len(logs.Items) != 1 || logs.TotalPages != 1 {
		t.Fatalf("logs=%+v", logs)
	}

	if rec := a.do(t, http.MethodPost, base+"/disable", "admin", nil); rec.Code != http.StatusOK {
		t.Fatalf("disable status=%d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, base+"/test", "admin", nil); rec.Code != http.StatusConflict {
		t.Fatalf("test on inactive status=%d want 409", rec.Code)
	}
}

func TestWebhookDeliveryOverHTTP(t *testing.T) {
	t.Parallel()

	a := newAPIHarness(t)
	conn := a.createStripe(t, "")
	path := "/webhooks/connector/" + conn.ID.String()
	body := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1","email":"a@example.com","created":1700000000}}}`)

	post := func(payload []byte, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		a.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	forged := stripe.Signature{}.Sign([]byte("whsec_wrong"), body, time.Now())
	if rec := post(body, forged); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged status=%d want 401", rec.Code)
	}
	if logs := a.store.Logs(conn.ID); len(logs) != 0 {
		t.Fatalf("forged delivery created %d sync logs", len(logs))
	}

	valid := stripe.Signature{}.Sign([]byte(conn.Webhook.Secret), body, time.Now())
	rec := post(body, valid)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("valid status=%d body=%s", rec.Code, rec.Body.String())
	}
	var outcome webhook.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if outcome.Status != webhook.StatusAccepted || outcome.SyncLogID == uuid.Nil {
		t.Fatalf("outcome=%+v", outcome)
	}

	large := bytes.Repeat([]byte("x"), 8192)
	if rec := post(large, valid); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status=%d want 413", rec.Code)
	}
	if rec := post(body, valid); rec.Code == http.StatusUnauthorized {
		t.Fatal("replayed body with valid signature rejected as unauthorized")
	}

	unknown := "/webhooks/connector/" + uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, unknown, bytes.NewReader(body))
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown endpoint status=%d want 404", rec.Code)
	}
}

func TestMappingsOverHTTP(t *testing.T) {
	t.Parallel()

	a := newAPIHarness(t)
	conn := a.createStripe(t, "")
	base := "/api/connectors/" + conn.ID.String() + "/mappings"

	rec := a.do(t, http.MethodPut, base, "admin", map[string]any{"mappings": []map[string]any{
		{"entityType": "customer", "localField": "email", "remoteField": "email", "mappingType": "transform", "transform": "lowercase"},
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("put status=%d body=%s", rec.Code, rec.Body.String())
	}
	var saved struct {
		Items []service.Mapping `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(saved.Items) != 1 {
		t.Fatalf("items=%+v", saved.Items)
	}

	rec = a.do(t, http.MethodPut, base, "admin", map[string]any{"mappings": []map[string]any{
		{"entityType": "customer", "localField": "email", "remoteField": "email", "mappingType": "transform", "transform": "rot13"},
	}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid put status=%d want 422", rec.Code)
	}

	if rec := a.do(t, http.MethodDelete, base+"/"+saved.Items[0].ID.String(), "admin", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if rec := a.do(t, http.MethodPut, base, "admin", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body status=%d want 400", rec.Code)
	}
}
