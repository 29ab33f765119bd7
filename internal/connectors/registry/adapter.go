package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/orionX123/billing/internal/mapping"
)

// Adapter is implemented once per external provider. Every operation takes
// decrypted configuration; the orchestrator never sees provider wire shapes.
type Adapter interface {
	// Type describes the provider for the connector catalog.
	Type() ConnectorType

	// Probe is a read-only reachability and auth check. Failures are reported
	// through ProbeResult, never as an error.
	Probe(ctx context.Context, cfg Config) ProbeResult

	// Pull fetches remote records for the requested entity types. The adapter
	// exhausts pagination.
	Pull(ctx context.Context, cfg Config, req PullRequest) (RecordBatch, error)

	// Push writes records to the remote side and reports one result per record.
	Push(ctx context.Context, cfg Config, req PushRequest) ([]PushResult, error)

	// DecodeWebhook turns an authenticated provider envelope into records.
	DecodeWebhook(ctx context.Context, headers http.Header, body []byte) (WebhookEvent, error)

	// WebhookSignature declares how inbound deliveries are signed.
	WebhookSignature() SignatureVerifier
}

// ConfigValidator is optionally implemented by adapters that check more than
// schema presence and types (URL shapes, enumerations).
type ConfigValidator interface {
	ValidateConfig(cfg Config) ValidationErrors
}

// WebhookResolver is optionally implemented by adapters whose webhooks only
// announce changes. The orchestrator calls it with decrypted configuration
// before applying the event, to replace announced records with full ones.
type WebhookResolver interface {
	ResolveWebhook(ctx context.Context, cfg Config, event WebhookEvent) (WebhookEvent, error)
}

type ProbeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Record is the canonical provider-neutral record exchanged with adapters.
// Fields are keyed by remote field names on the adapter side of the mapping.
type Record struct {
	EntityType string
	ExternalID string
	// LocalID is set for outbound records.
	LocalID   string
	Fields    map[string]any
	UpdatedAt time.Time
}

type RecordBatch struct {
	Records []Record
}

type PullRequest struct {
	EntityTypes []string
	Mapping     []mapping.Rule
	// Since limits the pull to records changed after this instant when the
	// provider supports it. nil means a full pull.
	Since  *time.Time
	Report func(Event)
}

type PushRequest struct {
	EntityType string
	Records    []Record
	Mapping    []mapping.Rule
	Report     func(Event)
}

type PushResult struct {
	LocalID    string
	ExternalID string
	OK         bool
	Error      string
}

// WebhookEvent is a decoded webhook delivery. EventID is the provider's
// delivery identifier when it has one.
type WebhookEvent struct {
	EventType string
	EventID   string
	Records   []Record
	// Failures lists announced records a resolver could not fetch. They are
	// tallied as failed records; the rest of the event still applies.
	Failures []RecordFailure
}

type RecordFailure struct {
	EntityType string
	ExternalID string
	Message    string
}

// Emit forwards ev to the request's reporter, if any.
func (p PullRequest) Emit(ev Event) {
	if p.Report != nil {
		p.Report(ev)
	}
}

// Emit forwards ev to the request's reporter, if any.
func (p PushRequest) Emit(ev Event) {
	if p.Report != nil {
		p.Report(ev)
	}
}
