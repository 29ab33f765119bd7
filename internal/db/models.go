package db

import (
	"time"

	"github.com/google/uuid"
)

const (
	ConnectorStatusPending  = "pending"
	ConnectorStatusActive   = "active"
	ConnectorStatusError    = "error"
	ConnectorStatusInactive = "inactive"
)

const (
	SyncStatusPending   = "pending"
	SyncStatusRunning   = "running"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
	SyncStatusCancelled = "cancelled"
)

type ConnectorType struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	DisplayName     string    `db:"display_name"`
	Category        string    `db:"category"`
	ConfigSchema    []byte    `db:"config_schema"`
	WebhookEvents   []string  `db:"webhook_events"`
	SupportsOAuth   bool      `db:"supports_oauth"`
	SupportsAPIKey  bool      `db:"supports_api_key"`
	SupportsWebhook bool      `db:"supports_webhook"`
	IsActive        bool      `db:"is_active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// TenantConnector is a tenant's configured instance of a connector type.
// Config and OAuthTokens hold vault ciphertext.
type TenantConnector struct {
	ID              uuid.UUID  `db:"id"`
	TenantID        uuid.UUID  `db:"tenant_id"`
	ConnectorTypeID uuid.UUID  `db:"connector_type_id"`
	TypeName        string     `db:"type_name"`
	Name            string     `db:"name"`
	Config          string     `db:"config"`
	OAuthTokens     *string    `db:"oauth_tokens"`
	Status          string     `db:"status"`
	LastSync        *time.Time `db:"last_sync"`
	LastError       *string    `db:"last_error"`
	SyncSettings    []byte     `db:"sync_settings"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

type FieldMapping struct {
	ID                uuid.UUID `db:"id"`
	TenantConnectorID uuid.UUID `db:"tenant_connector_id"`
	EntityType        string    `db:"entity_type"`
	LocalField        string    `db:"local_field"`
	RemoteField       string    `db:"remote_field"`
	MappingType       string    `db:"mapping_type"`
	Transform         string    `db:"transform"`
	Expression        string    `db:"expression"`
	IsRequired        bool      `db:"is_required"`
	DefaultValue      []byte    `db:"default_value"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type SyncLog struct {
	ID                uuid.UUID  `db:"id"`
	TenantConnectorID uuid.UUID  `db:"tenant_connector_id"`
	SyncType          string     `db:"sync_type"`
	Direction         string     `db:"direction"`
	Status            string     `db:"status"`
	EntityTypes       []string   `db:"entity_types"`
	Payload           []byte     `db:"payload"`
	CreatedAt         time.Time  `db:"created_at"`
	StartedAt         *time.Time `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	RecordsProcessed  int64      `db:"records_processed"`
	RecordsSuccessful int64      `db:"records_successful"`
	RecordsFailed     int64      `db:"records_failed"`
	ErrorMessage      *string    `db:"error_message"`
	SyncSummary       []byte     `db:"sync_summary"`
}

// Active reports whether the log is pending or running.
func (l SyncLog) Active() bool {
	return l.Status == SyncStatusPending || l.Status == SyncStatusRunning
}

type WebhookEndpoint struct {
	ID                uuid.UUID  `db:"id"`
	TenantConnectorID uuid.UUID  `db:"tenant_connector_id"`
	EndpointURL       string     `db:"endpoint_url"`
	SecretKey         *string    `db:"secret_key"`
	Events            []string   `db:"events"`
	IsActive          bool       `db:"is_active"`
	TotalReceived     int64      `db:"total_received"`
	LastReceived      *time.Time `db:"last_received"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// LocalRecord is a row of customers, products, or invoices as seen by sync.
type LocalRecord struct {
	ID             uuid.UUID  `db:"id"`
	TenantID       uuid.UUID  `db:"tenant_id"`
	ExternalSource *string    `db:"external_source"`
	ExternalID     *string    `db:"external_id"`
	Attributes     []byte     `db:"attributes"`
	SyncedAt       *time.Time `db:"synced_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// FailureStreak summarizes consecutive failed runs since the last success.
type FailureStreak struct {
	Count        int64      `db:"count"`
	LastFailedAt *time.Time `db:"last_failed_at"`
}
