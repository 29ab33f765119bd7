// Package webhook authenticates inbound provider deliveries and hands the
// decoded events to the sync orchestrator.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/metrics"
	"github.com/orionX123/billing/internal/secrets"
)

// ErrNotFound is returned for unknown or inactive connectors and for
// connectors without an active endpoint.
var ErrNotFound = errors.New("webhook endpoint not found")

// Store is the persistence surface the ingestor reads and writes.
type Store interface {
	GetConnectorByID(ctx context.Context, id uuid.UUID) (db.TenantConnector, error)
	GetWebhookEndpoint(ctx context.Context, connectorID uuid.UUID) (db.WebhookEndpoint, error)
	RecordWebhookDelivery(ctx context.Context, endpointID uuid.UUID, at time.Time) error
}

// Runs creates webhook SyncLogs. *sync.Orchestrator satisfies it.
type Runs interface {
	TriggerWebhook(ctx context.Context, conn db.TenantConnector, event registry.WebhookEvent) (db.SyncLog, error)
	RecordWebhookFailure(ctx context.Context, conn db.TenantConnector, cause error) (db.SyncLog, error)
}

// Deduper suppresses redelivered provider events. Claim reports whether key
// was seen for the first time.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type Status string

const (
	StatusAccepted     Status = "accepted"
	StatusDuplicate    Status = "duplicate"
	StatusIgnored      Status = "ignored"
	StatusDecodeFailed Status = "decode_failed"
)

// Outcome describes what happened to an authenticated delivery.
type Outcome struct {
	Status    Status    `json:"status"`
	EventType string    `json:"eventType,omitempty"`
	SyncLogID uuid.UUID `json:"syncLogId,omitzero"`
}

type Ingestor struct {
	store    Store
	registry *registry.Registry
	vault    secrets.Sealer
	runs     Runs
	dedup    Deduper
	logger   *slog.Logger
	now      func() time.Time
}

func NewIngestor(store Store, reg *registry.Registry, vault secrets.Sealer, runs Runs) *Ingestor {
	return &Ingestor{
		store:    store,
		registry: reg,
		vault:    vault,
		runs:     runs,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (i *Ingestor) SetDeduper(d Deduper) { i.dedup = d }

func (i *Ingestor) SetLogger(l *slog.Logger) {
	if l != nil {
		i.logger = l
	}
}

// Ingest authenticates body against the connector's endpoint secret before
// anything reads it, records the delivery, then decodes and queues the event.
// A forged delivery returns registry.ErrUnauthorized and writes nothing.
func (i *Ingestor) Ingest(ctx context.Context, connectorID uuid.UUID, headers http.Header, body []byte) (Outcome, error) {
	conn, err := i.store.GetConnectorByID(ctx, connectorID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, fmt.Errorf("load connector: %w", err)
	}
	if conn.Status == db.ConnectorStatusInactive {
		return Outcome{}, ErrNotFound
	}
	endpoint, err := i.store.GetWebhookEndpoint(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, fmt.Errorf("load webhook endpoint: %w", err)
	}
	if !endpoint.IsActive {
		return Outcome{}, ErrNotFound
	}
	adapter, err := i.registry.Lookup(conn.TypeName)
	if err != nil {
		return Outcome{}, err
	}

	logger := i.logger.With("connector_id", conn.ID, "connector_type", conn.TypeName, "tenant_id", conn.TenantID)
	if err := i.authenticate(adapter, endpoint, headers, body); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, "unauthorized").Inc()
		logger.Warn("webhook rejected", "remote_header", adapter.WebhookSignature().Header(), "err", err)
		return Outcome{}, err
	}

	if err := i.store.RecordWebhookDelivery(ctx, endpoint.ID, i.now()); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, "error").Inc()
		return Outcome{}, fmt.Errorf("record webhook delivery: %w", err)
	}

	event, err := adapter.DecodeWebhook(ctx, headers, body)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, string(StatusDecodeFailed)).Inc()
		logger.Warn("webhook decode failed", "err", err)
		run, ferr := i.runs.RecordWebhookFailure(ctx, conn, err)
		if ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Status: StatusDecodeFailed, SyncLogID: run.ID}, nil
	}

	if !subscribed(endpoint.Events, event.EventType) {
		metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, string(StatusIgnored)).Inc()
		logger.Debug("webhook event not subscribed", "event_type", event.EventType)
		return Outcome{Status: StatusIgnored, EventType: event.EventType}, nil
	}

	claimed := ""
	if i.dedup != nil && event.EventID != "" {
		key := conn.ID.String() + ":" + event.EventID
		fresh, err := i.dedup.Claim(ctx, key)
		switch {
		case err != nil:
			logger.Warn("webhook dedup unavailable", "event_id", event.EventID, "err", err)
		case !fresh:
			metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, string(StatusDuplicate)).Inc()
			logger.Info("duplicate webhook event", "event_id", event.EventID, "event_type", event.EventType)
			return Outcome{Status: StatusDuplicate, EventType: event.EventType}, nil
		default:
			claimed = key
		}
	}

	run, err := i.runs.TriggerWebhook(ctx, conn, event)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, "error").Inc()
		if claimed != "" {
			// Let the provider's retry through.
			if rerr := i.dedup.Release(context.WithoutCancel(ctx), claimed); rerr != nil {
				logger.Warn("failed to release webhook dedup key", "event_id", event.EventID, "err", rerr)
			}
		}
		return Outcome{}, err
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(conn.TypeName, string(StatusAccepted)).Inc()
	logger.Info("webhook accepted", "event_type", event.EventType, "event_id", event.EventID, "records", len(event.Records), "sync_log_id", run.ID)
	return Outcome{Status: StatusAccepted, EventType: event.EventType, SyncLogID: run.ID}, nil
}

// authenticate verifies the delivery signature. Endpoints without a stored
// secret accept unsigned deliveries.
func (i *Ingestor) authenticate(adapter registry.Adapter, endpoint db.WebhookEndpoint, headers http.Header, body []byte) error {
	if endpoint.SecretKey == nil || strings.TrimSpace(*endpoint.SecretKey) == "" {
		return nil
	}
	secret, err := i.vault.Decrypt(*endpoint.SecretKey)
	if err != nil {
		i.logger.Error("webhook secret unreadable", "endpoint_id", endpoint.ID, "err", err)
		return fmt.Errorf("%w: endpoint secret unreadable", registry.ErrUnauthorized)
	}
	return adapter.WebhookSignature().Verify(secret, headers, body, i.now())
}

func subscribed(events []string, eventType string) bool {
	if len(events) == 0 || eventType == "" {
		return true
	}
	for _, e := range events {
		if e == "*" || strings.EqualFold(e, eventType) {
			return true
		}
	}
	return false
}
