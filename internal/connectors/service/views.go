package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
)

// Connector is the read view of a tenant connector. Secret configuration
// values are masked.
type Connector struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenantId"`
	Type        string          `json:"connectorType"`
	TypeName    string          `json:"connectorTypeName"`
	Category    string          `json:"category"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Config      registry.Config `json:"config"`
	ConfigError string          `json:"configError,omitempty"`
	LastSync    *time.Time      `json:"lastSync"`
	LastError   *string         `json:"lastError"`
	// RecentFailures counts failed runs since the last completed one.
	RecentFailures FailureStreak   `json:"recentFailures"`
	SyncSettings   json.RawMessage `json:"syncSettings"`
	Webhook        *Webhook        `json:"webhook,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type FailureStreak struct {
	Count        int64      `json:"count"`
	LastFailedAt *time.Time `json:"lastFailedAt"`
}

type Webhook struct {
	URL           string     `json:"url"`
	Events        []string   `json:"events"`
	IsActive      bool       `json:"isActive"`
	HasSecret     bool       `json:"hasSecret"`
	TotalReceived int64      `json:"totalReceived"`
	LastReceived  *time.Time `json:"lastReceived"`
	// Secret is only populated right after creation.
	Secret string `json:"secret,omitempty"`
}

type SyncLog struct {
	ID                uuid.UUID       `json:"id"`
	ConnectorID       uuid.UUID       `json:"connectorId"`
	SyncType          string          `json:"syncType"`
	Direction         string          `json:"direction"`
	Status            string          `json:"status"`
	EntityTypes       []string        `json:"entityTypes"`
	CreatedAt         time.Time       `json:"createdAt"`
	StartedAt         *time.Time      `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt"`
	RecordsProcessed  int64           `json:"recordsProcessed"`
	RecordsSuccessful int64           `json:"recordsSuccessful"`
	RecordsFailed     int64           `json:"recordsFailed"`
	ErrorMessage      *string         `json:"errorMessage"`
	Summary           json.RawMessage `json:"syncSummary"`
}

type LogPage struct {
	Items   []SyncLog `json:"items"`
	Total   int64     `json:"total"`
	Page    int       `json:"page"`
	PerPage int       `json:"perPage"`
}

func (s *Service) view(ctx context.Context, conn db.TenantConnector, ct registry.ConnectorType) (Connector, error) {
	v := Connector{
		ID:           conn.ID,
		TenantID:     conn.TenantID,
		Type:         conn.TypeName,
		TypeName:     ct.DisplayName,
		Category:     string(ct.Category),
		Name:         conn.Name,
		Status:       conn.Status,
		LastSync:     conn.LastSync,
		LastError:    conn.LastError,
		SyncSettings: json.RawMessage(registry.NormalizeJSON(conn.SyncSettings)),
		CreatedAt:    conn.CreatedAt,
		UpdatedAt:    conn.UpdatedAt,
	}
	streak, err := s.store.GetFailureStreak(ctx, conn.ID)
	if err != nil {
		return Connector{}, fmt.Errorf("load failure streak: %w", err)
	}
	v.RecentFailures = FailureStreak{Count: streak.Count, LastFailedAt: streak.LastFailedAt}

	cfg, err := s.decryptConfig(conn)
	if err != nil {
		v.Config = registry.Config{}
		v.ConfigError = corruptCredentialMessage
	} else {
		v.Config = cfg.Masked(ct.ConfigSchema)
	}

	if !ct.SupportsWebhook {
		return v, nil
	}
	endpoint, err := s.store.GetWebhookEndpoint(ctx, conn.ID)
	if errors.Is(err, db.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return Connector{}, fmt.Errorf("load webhook endpoint: %w", err)
	}
	events := endpoint.Events
	if events == nil {
		events = []string{}
	}
	v.Webhook = &Webhook{
		URL:           endpoint.EndpointURL,
		Events:        events,
		IsActive:      endpoint.IsActive,
		HasSecret:     endpoint.SecretKey != nil && *endpoint.SecretKey != "",
		TotalReceived: endpoint.TotalReceived,
		LastReceived:  endpoint.LastReceived,
	}
	return v, nil
}

func syncLogView(l db.SyncLog) SyncLog {
	entities := l.EntityTypes
	if entities == nil {
		entities = []string{}
	}
	return SyncLog{
		ID:                l.ID,
		ConnectorID:       l.TenantConnectorID,
		SyncType:          l.SyncType,
		Direction:         l.Direction,
		Status:            l.Status,
		EntityTypes:       entities,
		CreatedAt:         l.CreatedAt,
		StartedAt:         l.StartedAt,
		CompletedAt:       l.CompletedAt,
		RecordsProcessed:  l.RecordsProcessed,
		RecordsSuccessful: l.RecordsSuccessful,
		RecordsFailed:     l.RecordsFailed,
		ErrorMessage:      l.ErrorMessage,
		Summary:           json.RawMessage(registry.NormalizeJSON(l.SyncSummary)),
	}
}
