package sync

import (
	"encoding/json"

	"github.com/orionX123/billing/internal/mapping"
)

const (
	maxSummaryWarnings = 50
	maxSummaryFailures = 25
)

// Counts are per-scope record counters. Processed always equals
// Successful + Failed.
type Counts struct {
	Processed  int64 `json:"processed"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

func (c *Counts) add(o Counts) {
	c.Processed += o.Processed
	c.Successful += o.Successful
	c.Failed += o.Failed
}

// Issue is one warning or failure sample attached to a run summary.
type Issue struct {
	EntityType string `json:"entityType"`
	ExternalID string `json:"externalId,omitempty"`
	LocalID    string `json:"localId,omitempty"`
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
}

// Summary is persisted as sync_logs.sync_summary.
type Summary struct {
	Entities          map[string]Counts `json:"entities"`
	Directions        map[string]Counts `json:"directions"`
	Warnings          []Issue           `json:"warnings,omitempty"`
	WarningsDropped   int               `json:"warningsDropped,omitempty"`
	Failures          []Issue           `json:"failures,omitempty"`
	FailuresDropped   int               `json:"failuresDropped,omitempty"`
	EventType         string            `json:"eventType,omitempty"`
	EventID           string            `json:"eventId,omitempty"`
	Since             string            `json:"since,omitempty"`
	ErrorKind         string            `json:"errorKind,omitempty"`
	OutboundRemaining bool              `json:"outboundRemaining,omitempty"`
}

// tally accumulates a run's counters. It is owned by one goroutine.
type tally struct {
	total   Counts
	summary Summary
}

func newTally() *tally {
	return &tally{summary: Summary{Entities: map[string]Counts{}, Directions: map[string]Counts{}}}
}

func (t *tally) record(direction, entityType string, ok bool) {
	c := Counts{Processed: 1}
	if ok {
		c.Successful = 1
	} else {
		c.Failed = 1
	}
	t.total.add(c)

	e := t.summary.Entities[entityType]
	e.add(c)
	t.summary.Entities[entityType] = e

	d := t.summary.Directions[direction]
	d.add(c)
	t.summary.Directions[direction] = d
}

func (t *tally) succeed(direction, entityType string) {
	t.record(direction, entityType, true)
}

func (t *tally) fail(direction string, issue Issue) {
	t.record(direction, issue.EntityType, false)
	if len(t.summary.Failures) < maxSummaryFailures {
		t.summary.Failures = append(t.summary.Failures, issue)
	} else {
		t.summary.FailuresDropped++
	}
}

func (t *tally) warn(entityType, externalID string, warnings []mapping.Warning) {
	for _, w := range warnings {
		if len(t.summary.Warnings) >= maxSummaryWarnings {
			t.summary.WarningsDropped++
			continue
		}
		t.summary.Warnings = append(t.summary.Warnings, Issue{
			EntityType: entityType,
			ExternalID: externalID,
			Field:      w.Field,
			Message:    w.Message,
		})
	}
}

func (t *tally) json() []byte {
	b, err := json.Marshal(t.summary)
	if err != nil {
		return []byte("{}")
	}
	return b
}
