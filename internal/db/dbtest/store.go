// Package dbtest provides an in-memory stand-in for the Postgres store that
// enforces the same uniqueness and sync state rules.
package dbtest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orionX123/billing/internal/db"
)

type Store struct {
	mu sync.Mutex

	types      map[uuid.UUID]db.ConnectorType
	connectors map[uuid.UUID]db.TenantConnector
	mappings   map[uuid.UUID]db.FieldMapping
	logs       map[uuid.UUID]db.SyncLog
	endpoints  map[uuid.UUID]db.WebhookEndpoint
	records    map[string]map[uuid.UUID]db.LocalRecord
	history    map[uuid.UUID][]string

	// Now stamps created_at/updated_at; defaults to time.Now.
	Now func() time.Time
	// FailUpsert, when set, is consulted before each local upsert.
	FailUpsert func(db.UpsertLocalRecordParams) error
}

func New() *Store {
	return &Store{
		types:      map[uuid.UUID]db.ConnectorType{},
		connectors: map[uuid.UUID]db.TenantConnector{},
		mappings:   map[uuid.UUID]db.FieldMapping{},
		logs:       map[uuid.UUID]db.SyncLog{},
		endpoints:  map[uuid.UUID]db.WebhookEndpoint{},
		history:    map[uuid.UUID][]string{},
		records: map[string]map[uuid.UUID]db.LocalRecord{
			"customer": {},
			"product":  {},
			"invoice":  {},
		},
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Connector type catalog.

func (s *Store) UpsertConnectorType(_ context.Context, arg db.UpsertConnectorTypeParams) (db.ConnectorType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, ct := range s.types {
		if ct.Name == arg.Name {
			ct = connectorTypeFrom(arg, id, ct.CreatedAt, now)
			s.types[id] = ct
			return ct, nil
		}
	}
	ct := connectorTypeFrom(arg, uuid.New(), now, now)
	s.types[ct.ID] = ct
	return ct, nil
}

func connectorTypeFrom(arg db.UpsertConnectorTypeParams, id uuid.UUID, created, updated time.Time) db.ConnectorType {
	return db.ConnectorType{
		ID:              id,
		Name:            arg.Name,
		DisplayName:     arg.DisplayName,
		Category:        arg.Category,
		ConfigSchema:    append([]byte(nil), arg.ConfigSchema...),
		WebhookEvents:   append([]string{}, arg.WebhookEvents...),
		SupportsOAuth:   arg.SupportsOAuth,
		SupportsAPIKey:  arg.SupportsAPIKey,
		SupportsWebhook: arg.SupportsWebhook,
		IsActive:        arg.IsActive,
		CreatedAt:       created,
		UpdatedAt:       updated,
	}
}

func (s *Store) ListConnectorTypes(_ context.Context, activeOnly bool) ([]db.ConnectorType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.ConnectorType
	for _, ct := range s.types {
		if activeOnly && !ct.IsActive {
			continue
		}
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (s *Store) GetConnectorType(_ context.Context, id uuid.UUID) (db.ConnectorType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.types[id]
	if !ok {
		return db.ConnectorType{}, db.ErrNotFound
	}
	return ct, nil
}

func (s *Store) GetConnectorTypeByName(_ context.Context, name string) (db.ConnectorType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ct := range s.types {
		if ct.Name == name {
			return ct, nil
		}
	}
	return db.ConnectorType{}, db.ErrNotFound
}

// Tenant connectors.

func (s *Store) CreateConnector(_ context.Context, arg db.CreateConnectorParams) (db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.types[arg.ConnectorTypeID]
	if !ok {
		return db.TenantConnector{}, fmt.Errorf("connector type %s: foreign key violation", arg.ConnectorTypeID)
	}
	for _, c := range s.connectors {
		if c.TenantID == arg.TenantID && c.ConnectorTypeID == arg.ConnectorTypeID && c.Name == arg.Name {
			return db.TenantConnector{}, db.ErrConflict
		}
	}
	now := s.now()
	c := db.TenantConnector{
		ID:              uuid.New(),
		TenantID:        arg.TenantID,
		ConnectorTypeID: arg.ConnectorTypeID,
		TypeName:        ct.Name,
		Name:            arg.Name,
		Config:          arg.Config,
		Status:          db.ConnectorStatusPending,
		SyncSettings:    jsonOrEmpty(arg.SyncSettings),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.connectors[c.ID] = c
	if arg.Webhook != nil {
		s.upsertEndpointLocked(db.UpsertWebhookEndpointParams{
			TenantConnectorID: c.ID,
			EndpointURL:       db.WebhookEndpointPath(c.ID),
			SecretKey:         arg.Webhook.SecretKey,
			Events:            arg.Webhook.Events,
		})
	}
	return c, nil
}

func (s *Store) GetConnector(_ context.Context, tenantID, id uuid.UUID) (db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.TenantID != tenantID {
		return db.TenantConnector{}, db.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetConnectorByID(_ context.Context, id uuid.UUID) (db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return db.TenantConnector{}, db.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListConnectors(_ context.Context, tenantID uuid.UUID) ([]db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.TenantConnector
	for _, c := range s.connectors {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) ListSchedulableConnectors(_ context.Context) ([]db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.TenantConnector
	for _, c := range s.connectors {
		if c.Status != db.ConnectorStatusActive && c.Status != db.ConnectorStatusError {
			continue
		}
		if ct, ok := s.types[c.ConnectorTypeID]; ok && !ct.IsActive {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) UpdateConnector(_ context.Context, arg db.UpdateConnectorParams) (db.TenantConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[arg.ID]
	if !ok || c.TenantID != arg.TenantID {
		return db.TenantConnector{}, db.ErrNotFound
	}
	for _, other := range s.connectors {
		if other.ID != c.ID && other.TenantID == c.TenantID && other.ConnectorTypeID == c.ConnectorTypeID && other.Name == arg.Name {
			return db.TenantConnector{}, db.ErrConflict
		}
	}
	c.Name = arg.Name
	c.Config = arg.Config
	c.SyncSettings = jsonOrEmpty(arg.SyncSettings)
	c.Status = arg.Status
	c.UpdatedAt = s.now()
	s.connectors[c.ID] = c
	return c, nil
}

func (s *Store) SetConnectorStatus(_ context.Context, id uuid.UUID, status string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return db.ErrNotFound
	}
	c.Status = status
	c.LastError = copyString(lastError)
	c.UpdatedAt = s.now()
	s.connectors[id] = c
	return nil
}

func (s *Store) RecordProbeResult(_ context.Context, id uuid.UUID, status string, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.Status == db.ConnectorStatusInactive {
		return nil
	}
	c.Status = status
	c.LastError = copyString(lastError)
	c.UpdatedAt = s.now()
	s.connectors[id] = c
	return nil
}

func (s *Store) MarkConnectorSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.Status == db.ConnectorStatusInactive {
		return nil
	}
	c.Status = db.ConnectorStatusActive
	c.LastSync = &at
	c.LastError = nil
	s.connectors[id] = c
	return nil
}

func (s *Store) MarkConnectorFailed(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.Status == db.ConnectorStatusInactive {
		return nil
	}
	c.Status = db.ConnectorStatusError
	c.LastError = &message
	s.connectors[id] = c
	return nil
}

func (s *Store) DeleteConnector(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok || c.TenantID != tenantID {
		return db.ErrNotFound
	}
	delete(s.connectors, id)
	for mid, m := range s.mappings {
		if m.TenantConnectorID == id {
			delete(s.mappings, mid)
		}
	}
	for lid, l := range s.logs {
		if l.TenantConnectorID == id {
			delete(s.logs, lid)
		}
	}
	for eid, e := range s.endpoints {
		if e.TenantConnectorID == id {
			delete(s.endpoints, eid)
		}
	}
	return nil
}

// Field mappings.

func (s *Store) ListFieldMappings(_ context.Context, connectorID uuid.UUID) ([]db.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.FieldMapping
	for _, m := range s.mappings {
		if m.TenantConnectorID == connectorID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].LocalField < out[j].LocalField
	})
	return out, nil
}

func (s *Store) UpsertFieldMapping(_ context.Context, arg db.UpsertFieldMappingParams) (db.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertMappingLocked(arg), nil
}

func (s *Store) upsertMappingLocked(arg db.UpsertFieldMappingParams) db.FieldMapping {
	now := s.now()
	m := db.FieldMapping{
		ID:                uuid.New(),
		TenantConnectorID: arg.TenantConnectorID,
		EntityType:        arg.EntityType,
		LocalField:        arg.LocalField,
		RemoteField:       arg.RemoteField,
		MappingType:       arg.MappingType,
		Transform:         arg.Transform,
		Expression:        arg.Expression,
		IsRequired:        arg.IsRequired,
		DefaultValue:      append([]byte(nil), arg.DefaultValue...),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for id, existing := range s.mappings {
		if existing.TenantConnectorID == arg.TenantConnectorID && existing.EntityType == arg.EntityType && existing.LocalField == arg.LocalField {
			m.ID = id
			m.CreatedAt = existing.CreatedAt
		}
	}
	s.mappings[m.ID] = m
	return m
}

func (s *Store) ReplaceFieldMappings(_ context.Context, connectorID uuid.UUID, mappings []db.UpsertFieldMappingParams) ([]db.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.mappings {
		if m.TenantConnectorID == connectorID {
			delete(s.mappings, id)
		}
	}
	out := make([]db.FieldMapping, 0, len(mappings))
	for _, m := range mappings {
		m.TenantConnectorID = connectorID
		out = append(out, s.upsertMappingLocked(m))
	}
	return out, nil
}

func (s *Store) DeleteFieldMapping(_ context.Context, connectorID, mappingID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingID]
	if !ok || m.TenantConnectorID != connectorID {
		return db.ErrNotFound
	}
	delete(s.mappings, mappingID)
	return nil
}

// Sync logs.

func (s *Store) CreateSyncLog(_ context.Context, arg db.CreateSyncLogParams) (db.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connectors[arg.TenantConnectorID]; !ok {
		return db.SyncLog{}, fmt.Errorf("connector %s: foreign key violation", arg.TenantConnectorID)
	}
	if arg.SyncType != "webhook" {
		for _, l := range s.logs {
			if l.TenantConnectorID == arg.TenantConnectorID && l.SyncType != "webhook" && l.Active() {
				return db.SyncLog{}, db.ErrActiveSync
			}
		}
	}
	l := db.SyncLog{
		ID:                uuid.New(),
		TenantConnectorID: arg.TenantConnectorID,
		SyncType:          arg.SyncType,
		Direction:         arg.Direction,
		Status:            db.SyncStatusPending,
		EntityTypes:       append([]string{}, arg.EntityTypes...),
		Payload:           append([]byte(nil), arg.Payload...),
		CreatedAt:         s.now(),
		SyncSummary:       []byte("{}"),
	}
	s.logs[l.ID] = l
	s.history[l.ID] = []string{l.Status}
	return l, nil
}

// StatusHistory lists every status a sync log has held, oldest first.
func (s *Store) StatusHistory(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

func (s *Store) GetSyncLog(_ context.Context, id uuid.UUID) (db.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return db.SyncLog{}, db.ErrNotFound
	}
	return l, nil
}

func (s *Store) StartSyncLog(_ context.Context, id uuid.UUID, at time.Time) (db.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return db.SyncLog{}, db.ErrNotFound
	}
	if l.Status != db.SyncStatusPending {
		return db.SyncLog{}, db.ErrInvalidTransition
	}
	l.Status = db.SyncStatusRunning
	l.StartedAt = &at
	s.logs[id] = l
	s.history[id] = append(s.history[id], l.Status)
	return l, nil
}

func (s *Store) FinishSyncLog(_ context.Context, arg db.FinishSyncLogParams) (db.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[arg.ID]
	if !ok {
		return db.SyncLog{}, db.ErrNotFound
	}
	if l.Status != db.SyncStatusRunning {
		return db.SyncLog{}, db.ErrInvalidTransition
	}
	if arg.RecordsProcessed != arg.RecordsSuccessful+arg.RecordsFailed {
		return db.SyncLog{}, fmt.Errorf("sync log %s: records_processed check violation", arg.ID)
	}
	completed := arg.CompletedAt
	if l.StartedAt != nil && completed.Before(*l.StartedAt) {
		return db.SyncLog{}, fmt.Errorf("sync log %s: completed_at check violation", arg.ID)
	}
	l.Status = arg.Status
	l.CompletedAt = &completed
	l.RecordsProcessed = arg.RecordsProcessed
	l.RecordsSuccessful = arg.RecordsSuccessful
	l.RecordsFailed = arg.RecordsFailed
	l.ErrorMessage = copyString(arg.ErrorMessage)
	l.SyncSummary = jsonOrEmpty(arg.Summary)
	s.logs[arg.ID] = l
	s.history[arg.ID] = append(s.history[arg.ID], l.Status)
	return l, nil
}

func (s *Store) ListSyncLogs(_ context.Context, connectorID uuid.UUID, limit, offset int) ([]db.SyncLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.logsForLocked(connectorID)
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// Logs returns every log of a connector, newest first.
func (s *Store) Logs(connectorID uuid.UUID) []db.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logsForLocked(connectorID)
}

func (s *Store) logsForLocked(connectorID uuid.UUID) []db.SyncLog {
	var out []db.SyncLog
	for _, l := range s.logs {
		if l.TenantConnectorID == connectorID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) ListStaleSyncLogs(_ context.Context, cutoff time.Time) ([]db.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.SyncLog
	for _, l := range s.logs {
		if !l.Active() {
			continue
		}
		ref := l.CreatedAt
		if l.StartedAt != nil {
			ref = *l.StartedAt
		}
		if ref.Before(cutoff) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetFailureStreak(_ context.Context, connectorID uuid.UUID) (db.FailureStreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lastSuccess time.Time
	for _, l := range s.logs {
		if l.TenantConnectorID == connectorID && l.Status == db.SyncStatusCompleted && l.CompletedAt != nil && l.CompletedAt.After(lastSuccess) {
			lastSuccess = *l.CompletedAt
		}
	}
	var streak db.FailureStreak
	for _, l := range s.logs {
		if l.TenantConnectorID != connectorID || l.Status != db.SyncStatusFailed || l.SyncType == "webhook" || l.CompletedAt == nil {
			continue
		}
		if !l.CompletedAt.After(lastSuccess) {
			continue
		}
		streak.Count++
		if streak.LastFailedAt == nil || l.CompletedAt.After(*streak.LastFailedAt) {
			at := *l.CompletedAt
			streak.LastFailedAt = &at
		}
	}
	return streak, nil
}

// Webhook endpoints.

func (s *Store) UpsertWebhookEndpoint(_ context.Context, arg db.UpsertWebhookEndpointParams) (db.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertEndpointLocked(arg), nil
}

func (s *Store) upsertEndpointLocked(arg db.UpsertWebhookEndpointParams) db.WebhookEndpoint {
	now := s.now()
	for id, e := range s.endpoints {
		if e.TenantConnectorID == arg.TenantConnectorID && e.EndpointURL == arg.EndpointURL {
			e.SecretKey = copyString(arg.SecretKey)
			e.Events = append([]string{}, arg.Events...)
			e.IsActive = true
			e.UpdatedAt = now
			s.endpoints[id] = e
			return e
		}
	}
	e := db.WebhookEndpoint{
		ID:                uuid.New(),
		TenantConnectorID: arg.TenantConnectorID,
		EndpointURL:       arg.EndpointURL,
		SecretKey:         copyString(arg.SecretKey),
		Events:            append([]string{}, arg.Events...),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.endpoints[e.ID] = e
	return e
}

func (s *Store) GetWebhookEndpoint(_ context.Context, connectorID uuid.UUID) (db.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *db.WebhookEndpoint
	for _, e := range s.endpoints {
		if e.TenantConnectorID != connectorID {
			continue
		}
		if found == nil || (e.IsActive && !found.IsActive) {
			e := e
			found = &e
		}
	}
	if found == nil {
		return db.WebhookEndpoint{}, db.ErrNotFound
	}
	return *found, nil
}

func (s *Store) RecordWebhookDelivery(_ context.Context, endpointID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok {
		return db.ErrNotFound
	}
	e.TotalReceived++
	e.LastReceived = &at
	s.endpoints[endpointID] = e
	return nil
}

// SetEndpointActive toggles an endpoint for tests.
func (s *Store) SetEndpointActive(endpointID uuid.UUID, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.endpoints[endpointID]; ok {
		e.IsActive = active
		s.endpoints[endpointID] = e
	}
}

// Local entities.

func (s *Store) UpsertLocalRecord(_ context.Context, arg db.UpsertLocalRecordParams) (db.LocalRecord, error) {
	if s.FailUpsert != nil {
		if err := s.FailUpsert(arg); err != nil {
			return db.LocalRecord{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.records[arg.EntityType]
	if !ok {
		return db.LocalRecord{}, fmt.Errorf("unknown entity type %q", arg.EntityType)
	}
	for id, r := range table {
		if r.TenantID == arg.TenantID && deref(r.ExternalSource) == arg.ExternalSource && deref(r.ExternalID) == arg.ExternalID {
			merged, err := mergeJSON(r.Attributes, arg.Attributes)
			if err != nil {
				return db.LocalRecord{}, err
			}
			r.Attributes = merged
			at := arg.SyncedAt
			r.SyncedAt = &at
			r.UpdatedAt = at
			table[id] = r
			return r, nil
		}
	}
	src, ext, at := arg.ExternalSource, arg.ExternalID, arg.SyncedAt
	r := db.LocalRecord{
		ID:             uuid.New(),
		TenantID:       arg.TenantID,
		ExternalSource: &src,
		ExternalID:     &ext,
		Attributes:     jsonOrEmpty(arg.Attributes),
		SyncedAt:       &at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	table[r.ID] = r
	return r, nil
}

func (s *Store) ListPendingOutbound(_ context.Context, arg db.ListPendingOutboundParams) ([]db.LocalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.records[arg.EntityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", arg.EntityType)
	}
	var out []db.LocalRecord
	for _, r := range table {
		if r.TenantID != arg.TenantID {
			continue
		}
		if r.ExternalSource != nil && *r.ExternalSource != arg.ExternalSource {
			continue
		}
		if r.SyncedAt != nil && !r.UpdatedAt.After(*r.SyncedAt) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if arg.Limit > 0 && len(out) > arg.Limit {
		out = out[:arg.Limit]
	}
	return out, nil
}

func (s *Store) MarkLocalRecordSynced(_ context.Context, arg db.MarkLocalRecordSyncedParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.records[arg.EntityType]
	if !ok {
		return fmt.Errorf("unknown entity type %q", arg.EntityType)
	}
	r, ok := table[arg.ID]
	if !ok {
		return db.ErrNotFound
	}
	src, ext, at := arg.ExternalSource, arg.ExternalID, arg.PushedVersion
	r.ExternalSource = &src
	r.ExternalID = &ext
	r.SyncedAt = &at
	table[arg.ID] = r
	return nil
}

// InsertLocalRecord seeds a locally created row that has never been synced.
func (s *Store) InsertLocalRecord(entityType string, tenantID uuid.UUID, attrs map[string]any) db.LocalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(attrs)
	now := s.now()
	r := db.LocalRecord{ID: uuid.New(), TenantID: tenantID, Attributes: raw, CreatedAt: now, UpdatedAt: now}
	s.records[entityType][r.ID] = r
	return r
}

// EditLocalRecord stands in for a local change made by the billing app.
func (s *Store) EditLocalRecord(entityType string, id uuid.UUID, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[entityType][id]
	if !ok {
		return
	}
	r.Attributes, _ = json.Marshal(attrs)
	r.UpdatedAt = s.now()
	s.records[entityType][id] = r
}

// LocalRecords lists rows of an entity table ordered by external id.
func (s *Store) LocalRecords(entityType string) []db.LocalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.LocalRecord, 0, len(s.records[entityType]))
	for _, r := range s.records[entityType] {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b db.LocalRecord) int { return strings.Compare(deref(a.ExternalID), deref(b.ExternalID)) })
	return out
}

func mergeJSON(base, overlay []byte) ([]byte, error) {
	var a, b map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &a); err != nil {
			return nil, err
		}
	}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &b); err != nil {
			return nil, err
		}
	}
	if a == nil {
		a = map[string]any{}
	}
	for k, v := range b {
		a[k] = v
	}
	return json.Marshal(a)
}

func jsonOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return append([]byte(nil), b...)
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
