// Package notify delivers fire-and-forget connector alerts.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	KindSyncFailed  = "sync_failed"
	KindSyncReaped  = "sync_reaped"
	KindProbeFailed = "probe_failed"
)

// Alert describes one operator-facing connector problem.
type Alert struct {
	Kind          string    `json:"kind"`
	TenantID      uuid.UUID `json:"tenantId"`
	ConnectorID   uuid.UUID `json:"connectorId"`
	ConnectorName string    `json:"connectorName,omitempty"`
	ConnectorType string    `json:"connectorType,omitempty"`
	SyncLogID     uuid.UUID `json:"syncLogId,omitzero"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

// Notifier never blocks the caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a Alert) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "connector alert",
		"kind", a.Kind,
		"tenant_id", a.TenantID,
		"connector_id", a.ConnectorID,
		"connector_type", a.ConnectorType,
		"sync_log_id", a.SyncLogID,
		"message", a.Message,
	)
}

// Publisher is the subset of *nats.Conn used for alert delivery.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSNotifier publishes alerts as JSON on a core NATS subject.
type NATSNotifier struct {
	conn    Publisher
	subject string
	logger  *slog.Logger
}

func NewNATSNotifier(conn Publisher, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	if conn == nil {
		return nil, errors.New("nats connection is nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("notify subject is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{conn: conn, subject: subject, logger: logger}, nil
}

func (n *NATSNotifier) Notify(ctx context.Context, a Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		n.logger.ErrorContext(ctx, "encode alert", "kind", a.Kind, "err", err)
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.logger.WarnContext(ctx, "publish alert failed", "kind", a.Kind, "connector_id", a.ConnectorID, "err", err)
	}
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, a)
		}
	}
}
