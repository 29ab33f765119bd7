// Package service implements the tenant connector lifecycle: create, read
// with masked secrets, update with secret-preserving merge, probe, mappings,
// and webhook secrets.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/mapping"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/notify"
	"github.com/orionX123/billing/internal/secrets"
	"github.com/orionX123/billing/internal/sync"
)

const (
	defaultProbeTimeout = 30 * time.Second
	defaultPerPage      = 20
	maxPerPage          = 100
	maxLastErrorLen     = 2000
)

const corruptCredentialMessage = "stored credentials cannot be decrypted; re-enter the connector configuration"

// Store is the persistence surface the service needs. *db.Queries satisfies it.
type Store interface {
	ListConnectorTypes(ctx context.Context, activeOnly bool) ([]db.ConnectorType, error)
	GetConnectorType(ctx context.Context, id uuid.UUID) (db.ConnectorType, error)
	GetConnectorTypeByName(ctx context.Context, name string) (db.ConnectorType, error)

	CreateConnector(ctx context.Context, arg db.CreateConnectorParams) (db.TenantConnector, error)
	GetConnector(ctx context.Context, tenantID, id uuid.UUID) (db.TenantConnector, error)
	ListConnectors(ctx context.Context, tenantID uuid.UUID) ([]db.TenantConnector, error)
	UpdateConnector(ctx context.Context, arg db.UpdateConnectorParams) (db.TenantConnector, error)
	SetConnectorStatus(ctx context.Context, id uuid.UUID, status string, lastError *string) error
	RecordProbeResult(ctx context.Context, id uuid.UUID, status string, lastError *string) error
	DeleteConnector(ctx context.Context, tenantID, id uuid.UUID) error

	GetWebhookEndpoint(ctx context.Context, connectorID uuid.UUID) (db.WebhookEndpoint, error)
	UpsertWebhookEndpoint(ctx context.Context, arg db.UpsertWebhookEndpointParams) (db.WebhookEndpoint, error)

	ListFieldMappings(ctx context.Context, connectorID uuid.UUID) ([]db.FieldMapping, error)
	ReplaceFieldMappings(ctx context.Context, connectorID uuid.UUID, mappings []db.UpsertFieldMappingParams) ([]db.FieldMapping, error)
	DeleteFieldMapping(ctx context.Context, connectorID, mappingID uuid.UUID) error

	ListSyncLogs(ctx context.Context, connectorID uuid.UUID, limit, offset int) ([]db.SyncLog, int64, error)
	GetFailureStreak(ctx context.Context, connectorID uuid.UUID) (db.FailureStreak, error)
}

var _ Store = (*db.Queries)(nil)

// Triggerer starts sync runs. *sync.Orchestrator satisfies it.
type Triggerer interface {
	Trigger(ctx context.Context, req sync.TriggerRequest) (db.SyncLog, error)
}

type Service struct {
	store        Store
	registry     *registry.Registry
	vault        secrets.Sealer
	runs         Triggerer
	mapper       *mapping.Engine
	notifier     notify.Notifier
	logger       *slog.Logger
	probeTimeout time.Duration
	now          func() time.Time
}

func New(store Store, reg *registry.Registry, vault secrets.Sealer, runs Triggerer) *Service {
	return &Service{
		store:        store,
		registry:     reg,
		vault:        vault,
		runs:         runs,
		mapper:       mapping.NewEngine(),
		logger:       slog.Default(),
		probeTimeout: defaultProbeTimeout,
		now:          time.Now,
	}
}

func (s *Service) SetNotifier(n notify.Notifier) { s.notifier = n }

func (s *Service) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

func (s *Service) SetProbeTimeout(d time.Duration) {
	if d > 0 {
		s.probeTimeout = d
	}
}

// ListTypes returns the active connector catalog.
func (s *Service) ListTypes(ctx context.Context) ([]registry.ConnectorType, error) {
	rows, err := s.store.ListConnectorTypes(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list connector types: %w", err)
	}
	out := make([]registry.ConnectorType, 0, len(rows))
	for _, row := range rows {
		ct, err := catalogEntry(row)
		if err != nil {
			s.logger.Warn("skipping connector type with malformed schema", "connector_type", row.Name, "err", err)
			continue
		}
		out = append(out, ct)
	}
	return out, nil
}

type CreateInput struct {
	TenantID     uuid.UUID
	Type         string
	Name         string
	Config       registry.Config
	SyncSettings json.RawMessage
	// WebhookEvents narrows the endpoint subscription. Empty subscribes to
	// every event the connector type declares.
	WebhookEvents []string
}

// Create validates, encrypts, and persists a connector in pending status.
// Connector types that support webhooks get an endpoint with a generated
// secret, returned once in the view.
func (s *Service) Create(ctx context.Context, in CreateInput) (Connector, error) {
	row, err := s.store.GetConnectorTypeByName(ctx, strings.TrimSpace(in.Type))
	if errors.Is(err, db.ErrNotFound) || (err == nil && !row.IsActive) {
		return Connector{}, registry.ValidationErrors{{Key: "connectorType", Message: "is not an available connector type"}}
	}
	if err != nil {
		return Connector{}, fmt.Errorf("load connector type: %w", err)
	}
	ct, err := catalogEntry(row)
	if err != nil {
		return Connector{}, err
	}

	cfg := in.Config
	if cfg == nil {
		cfg = registry.Config{}
	}
	name := strings.TrimSpace(in.Name)
	var errs registry.ValidationErrors
	if name == "" {
		errs = append(errs, registry.ValidationError{Key: "name", Message: "is required"})
	}
	errs = append(errs, s.registry.ValidateConfig(ct, cfg)...)
	errs = append(errs, validateSettings(in.SyncSettings)...)
	events, eventErrs := subscription(ct, in.WebhookEvents)
	errs = append(errs, eventErrs...)
	if len(errs) > 0 {
		return Connector{}, errs
	}

	sealed, err := secrets.EncryptJSON(s.vault, cfg)
	if err != nil {
		return Connector{}, fmt.Errorf("encrypt config: %w", err)
	}
	params := db.CreateConnectorParams{
		TenantID:        in.TenantID,
		ConnectorTypeID: row.ID,
		Name:            name,
		Config:          sealed,
		SyncSettings:    registry.NormalizeJSON(in.SyncSettings),
	}
	var webhookSecret string
	if ct.SupportsWebhook {
		secret, sealedSecret, err := s.newWebhookSecret()
		if err != nil {
			return Connector{}, err
		}
		webhookSecret = secret
		params.Webhook = &db.WebhookEndpointParams{SecretKey: &sealedSecret, Events: events}
	}

	conn, err := s.store.CreateConnector(ctx, params)
	if errors.Is(err, db.ErrConflict) {
		return Connector{}, registry.ValidationErrors{{Key: "name", Message: "is already used by another connector of this type"}}
	}
	if err != nil {
		return Connector{}, fmt.Errorf("create connector: %w", err)
	}
	s.logger.Info("connector created", "connector_id", conn.ID, "tenant_id", conn.TenantID, "connector_type", conn.TypeName)

	view, err := s.view(ctx, conn, ct)
	if err != nil {
		return Connector{}, err
	}
	if view.Webhook != nil {
		view.Webhook.Secret = webhookSecret
	}
	return view, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Connector, error) {
	conn, ct, err := s.load(ctx, tenantID, id)
	if err != nil {
		return Connector{}, err
	}
	return s.view(ctx, conn, ct)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]Connector, error) {
	rows, err := s.store.ListConnectors(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	types := map[uuid.UUID]registry.ConnectorType{}
	out := make([]Connector, 0, len(rows))
	for _, conn := range rows {
		ct, ok := types[conn.ConnectorTypeID]
		if !ok {
			ct, err = s.connectorType(ctx, conn.ConnectorTypeID)
			if err != nil {
				return nil, err
			}
			types[conn.ConnectorTypeID] = ct
		}
		v, err := s.view(ctx, conn, ct)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type UpdateInput struct {
	TenantID uuid.UUID
	ID       uuid.UUID
	Name     *string
	// Config is merged onto the stored configuration. Secret keys left empty
	// or echoed back in masked form keep their stored value.
	Config       registry.Config
	SyncSettings json.RawMessage
}

// Update merges and re-validates configuration. Changing the configuration
// of a connector that is not inactive resets it to pending until the next
// probe.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Connector, error) {
	conn, ct, err := s.load(ctx, in.TenantID, in.ID)
	if err != nil {
		return Connector{}, err
	}

	current, err := s.decryptConfig(conn)
	unreadable := err != nil
	if unreadable {
		// Unreadable credentials are replaced wholesale; validation below
		// demands every required key again.
		s.logger.Warn("replacing unreadable connector config", "connector_id", conn.ID, "err", err)
		current = registry.Config{}
	}
	merged := current.Merge(ct.ConfigSchema, in.Config)

	name := conn.Name
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	settings := conn.SyncSettings
	if len(bytes.TrimSpace(in.SyncSettings)) > 0 {
		settings = registry.NormalizeJSON(in.SyncSettings)
	}

	var errs registry.ValidationErrors
	if name == "" {
		errs = append(errs, registry.ValidationError{Key: "name", Message: "is required"})
	}
	errs = append(errs, s.registry.ValidateConfig(ct, merged)...)
	errs = append(errs, validateSettings(settings)...)
	if len(errs) > 0 {
		return Connector{}, errs
	}

	sealed := conn.Config
	status := conn.Status
	if unreadable || !sameConfig(current, merged) {
		sealed, err = secrets.EncryptJSON(s.vault, merged)
		if err != nil {
			return Connector{}, fmt.Errorf("encrypt config: %w", err)
		}
		if status != db.ConnectorStatusInactive {
			status = db.ConnectorStatusPending
		}
	}

	updated, err := s.store.UpdateConnector(ctx, db.UpdateConnectorParams{
		ID:           conn.ID,
		TenantID:     conn.TenantID,
		Name:         name,
		Config:       sealed,
		SyncSettings: settings,
		Status:       status,
	})
	if errors.Is(err, db.ErrConflict) {
		return Connector{}, registry.ValidationErrors{{Key: "name", Message: "is already used by another connector of this type"}}
	}
	if err != nil {
		return Connector{}, fmt.Errorf("update connector: %w", err)
	}
	s.logger.Info("connector updated", "connector_id", conn.ID, "tenant_id", conn.TenantID, "status", updated.Status)
	return s.view(ctx, updated, ct)
}

// Delete removes the connector with its mappings, logs, and endpoint.
func (s *Service) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := s.store.DeleteConnector(ctx, tenantID, id); err != nil {
		return err
	}
	s.logger.Info("connector deleted", "connector_id", id, "tenant_id", tenantID)
	return nil
}

// SetActive disables a connector (inactive) or re-enables it as pending so
// the next probe establishes its health.
func (s *Service) SetActive(ctx context.Context, tenantID, id uuid.UUID, active bool) (Connector, error) {
	conn, ct, err := s.load(ctx, tenantID, id)
	if err != nil {
		return Connector{}, err
	}
	status := db.ConnectorStatusInactive
	if active {
		if conn.Status != db.ConnectorStatusInactive {
			return s.view(ctx, conn, ct)
		}
		status = db.ConnectorStatusPending
	}
	if err := s.store.SetConnectorStatus(ctx, conn.ID, status, conn.LastError); err != nil {
		return Connector{}, fmt.Errorf("set connector status: %w", err)
	}
	conn.Status = status
	s.logger.Info("connector status changed", "connector_id", conn.ID, "tenant_id", conn.TenantID, "status", status)
	return s.view(ctx, conn, ct)
}

// Test probes the provider with the stored configuration and records the
// outcome as the connector's health. Provider failures are reported in the
// result, not as errors.
func (s *Service) Test(ctx context.Context, tenantID, id uuid.UUID) (registry.ProbeResult, error) {
	conn, _, err := s.load(ctx, tenantID, id)
	if err != nil {
		return registry.ProbeResult{}, err
	}
	if conn.Status == db.ConnectorStatusInactive {
		return registry.ProbeResult{}, sync.ErrConnectorInactive
	}
	adapter, err := s.registry.Lookup(conn.TypeName)
	if err != nil {
		return registry.ProbeResult{}, err
	}

	var result registry.ProbeResult
	cfg, err := s.decryptConfig(conn)
	if err != nil {
		result = registry.ProbeResult{OK: false, Message: corruptCredentialMessage}
	} else {
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		result = adapter.Probe(pctx, cfg)
		cancel()
	}

	// Record the outcome even if the caller went away mid-probe. A connector
	// disabled while the probe ran stays inactive.
	wctx := context.WithoutCancel(ctx)
	if result.OK {
		metrics.ProbeResultsTotal.WithLabelValues(conn.TypeName, "ok").Inc()
		if err := s.store.RecordProbeResult(wctx, conn.ID, db.ConnectorStatusActive, nil); err != nil {
			return registry.ProbeResult{}, fmt.Errorf("set connector status: %w", err)
		}
		s.logger.Info("connector probe succeeded", "connector_id", conn.ID, "tenant_id", conn.TenantID)
		return result, nil
	}

	metrics.ProbeResultsTotal.WithLabelValues(conn.TypeName, "failed").Inc()
	msg := registry.TruncateMessage(strings.TrimSpace(result.Message), maxLastErrorLen)
	if msg == "" {
		msg = "connection test failed"
		result.Message = msg
	}
	if err := s.store.RecordProbeResult(wctx, conn.ID, db.ConnectorStatusError, &msg); err != nil {
		return registry.ProbeResult{}, fmt.Errorf("set connector status: %w", err)
	}
	s.logger.Warn("connector probe failed", "connector_id", conn.ID, "tenant_id", conn.TenantID, "message", msg)
	if s.notifier != nil {
		s.notifier.Notify(wctx, notify.Alert{
			Kind:          notify.KindProbeFailed,
			TenantID:      conn.TenantID,
			ConnectorID:   conn.ID,
			ConnectorName: conn.Name,
			ConnectorType: conn.TypeName,
			Message:       msg,
			At:            s.now(),
		})
	}
	return result, nil
}

type SyncInput struct {
	Direction   string
	EntityTypes []string
}

// TriggerSync queues a manual run and returns its pending log.
func (s *Service) TriggerSync(ctx context.Context, tenantID, id uuid.UUID, in SyncInput) (SyncLog, error) {
	run, err := s.runs.Trigger(ctx, sync.TriggerRequest{
		TenantID:    tenantID,
		ConnectorID: id,
		SyncType:    registry.SyncTypeManual,
		Direction:   in.Direction,
		EntityTypes: in.EntityTypes,
	})
	if err != nil {
		return SyncLog{}, err
	}
	return syncLogView(run), nil
}

// ListLogs pages through a connector's runs, newest first. page is 1-based.
func (s *Service) ListLogs(ctx context.Context, tenantID, id uuid.UUID, page, perPage int) (LogPage, error) {
	if _, err := s.store.GetConnector(ctx, tenantID, id); err != nil {
		return LogPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	perPage = min(perPage, maxPerPage)

	rows, total, err := s.store.ListSyncLogs(ctx, id, perPage, (page-1)*perPage)
	if err != nil {
		return LogPage{}, fmt.Errorf("list sync logs: %w", err)
	}
	out := LogPage{Items: make([]SyncLog, 0, len(rows)), Total: total, Page: page, PerPage: perPage}
	for _, row := range rows {
		out.Items = append(out.Items, syncLogView(row))
	}
	return out, nil
}

// RotateWebhookSecret replaces the endpoint secret and returns the new
// plaintext once. Deliveries signed with the old secret are rejected
// immediately.
func (s *Service) RotateWebhookSecret(ctx context.Context, tenantID, id uuid.UUID) (string, error) {
	conn, ct, err := s.load(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if !ct.SupportsWebhook {
		return "", registry.ValidationErrors{{Key: "connectorType", Message: "does not support webhooks"}}
	}
	events := ct.WebhookEvents
	url := db.WebhookEndpointPath(conn.ID)
	endpoint, err := s.store.GetWebhookEndpoint(ctx, conn.ID)
	switch {
	case err == nil:
		events, url = endpoint.Events, endpoint.EndpointURL
	case !errors.Is(err, db.ErrNotFound):
		return "", fmt.Errorf("load webhook endpoint: %w", err)
	}

	secret, sealed, err := s.newWebhookSecret()
	if err != nil {
		return "", err
	}
	if _, err := s.store.UpsertWebhookEndpoint(ctx, db.UpsertWebhookEndpointParams{
		TenantConnectorID: conn.ID,
		EndpointURL:       url,
		SecretKey:         &sealed,
		Events:            events,
	}); err != nil {
		return "", fmt.Errorf("store webhook secret: %w", err)
	}
	s.logger.Info("webhook secret rotated", "connector_id", conn.ID, "tenant_id", conn.TenantID)
	return secret, nil
}

func (s *Service) newWebhookSecret() (plain, sealed string, err error) {
	plain, err = secrets.GenerateWebhookSecret()
	if err != nil {
		return "", "", err
	}
	sealed, err = s.vault.Encrypt([]byte(plain))
	if err != nil {
		return "", "", fmt.Errorf("encrypt webhook secret: %w", err)
	}
	return plain, sealed, nil
}

func (s *Service) load(ctx context.Context, tenantID, id uuid.UUID) (db.TenantConnector, registry.ConnectorType, error) {
	conn, err := s.store.GetConnector(ctx, tenantID, id)
	if err != nil {
		return db.TenantConnector{}, registry.ConnectorType{}, err
	}
	ct, err := s.connectorType(ctx, conn.ConnectorTypeID)
	if err != nil {
		return db.TenantConnector{}, registry.ConnectorType{}, err
	}
	return conn, ct, nil
}

func (s *Service) connectorType(ctx context.Context, id uuid.UUID) (registry.ConnectorType, error) {
	row, err := s.store.GetConnectorType(ctx, id)
	if err != nil {
		return registry.ConnectorType{}, fmt.Errorf("load connector type: %w", err)
	}
	return catalogEntry(row)
}

func (s *Service) decryptConfig(conn db.TenantConnector) (registry.Config, error) {
	var cfg registry.Config
	if err := secrets.DecryptJSON(s.vault, conn.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = registry.Config{}
	}
	return cfg, nil
}

// catalogEntry converts a stored catalog row into its registry form.
func catalogEntry(row db.ConnectorType) (registry.ConnectorType, error) {
	ct := registry.ConnectorType{
		ID:              row.ID.String(),
		Name:            row.Name,
		DisplayName:     row.DisplayName,
		Category:        registry.Category(row.Category),
		WebhookEvents:   row.WebhookEvents,
		SupportsOAuth:   row.SupportsOAuth,
		SupportsAPIKey:  row.SupportsAPIKey,
		SupportsWebhook: row.SupportsWebhook,
		IsActive:        row.IsActive,
	}
	if len(bytes.TrimSpace(row.ConfigSchema)) > 0 {
		if err := json.Unmarshal(row.ConfigSchema, &ct.ConfigSchema); err != nil {
			return registry.ConnectorType{}, fmt.Errorf("connector type %s: decode config schema: %w", row.Name, err)
		}
	}
	if ct.WebhookEvents == nil {
		ct.WebhookEvents = []string{}
	}
	return ct, nil
}

func validateSettings(raw []byte) registry.ValidationErrors {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	settings, err := sync.ParseSettings(raw)
	if err != nil {
		return registry.ValidationErrors{{Key: "syncSettings", Message: "must be a JSON object"}}
	}
	return settings.Validate()
}

// subscription resolves the requested webhook events against the events
// the connector type declares.
func subscription(ct registry.ConnectorType, requested []string) ([]string, registry.ValidationErrors) {
	if len(requested) == 0 {
		return append([]string(nil), ct.WebhookEvents...), nil
	}
	var errs registry.ValidationErrors
	out := make([]string, 0, len(requested))
	for _, e := range requested {
		e = strings.TrimSpace(e)
		known := false
		for _, declared := range ct.WebhookEvents {
			if strings.EqualFold(e, declared) {
				known = true
				out = append(out, declared)
				break
			}
		}
		if !known {
			errs = append(errs, registry.ValidationError{Key: "webhookEvents", Message: fmt.Sprintf("unknown event %q", e)})
		}
	}
	return out, errs
}

func sameConfig(a, b registry.Config) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}
