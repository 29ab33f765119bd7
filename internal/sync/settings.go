package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orionX123/billing/internal/connectors/registry"
)

const frequencyManual = "manual"

// Settings is the parsed form of tenant_connectors.sync_settings.
type Settings struct {
	// Frequency is a cron spec or descriptor (@hourly, @every 15m). Empty or
	// "manual" disables scheduling.
	Frequency   string   `json:"frequency,omitempty"`
	Direction   string   `json:"direction,omitempty"`
	EntityTypes []string `json:"entityTypes,omitempty"`
	// FullSync makes scheduled pulls ignore last_sync.
	FullSync bool `json:"fullSync,omitempty"`
}

func ParseSettings(raw []byte) (Settings, error) {
	var s Settings
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("sync settings: %w", err)
	}
	return s, nil
}

// Scheduled reports whether the scheduler should consider the connector.
func (s Settings) Scheduled() bool {
	f := strings.ToLower(strings.TrimSpace(s.Frequency))
	return f != "" && f != frequencyManual
}

// Schedule parses Frequency. Callers check Scheduled first.
func (s Settings) Schedule() (cron.Schedule, error) {
	return cron.ParseStandard(strings.TrimSpace(s.Frequency))
}

// DirectionOrDefault resolves the configured direction, defaulting to inbound.
func (s Settings) DirectionOrDefault() registry.Direction {
	d, ok := registry.ParseDirection(s.Direction)
	if !ok {
		return registry.DirectionInbound
	}
	return d
}

// Validate reports malformed settings keyed by field name.
func (s Settings) Validate() registry.ValidationErrors {
	var errs registry.ValidationErrors
	if s.Scheduled() {
		sched, err := s.Schedule()
		if err != nil {
			errs = append(errs, registry.ValidationError{Key: "frequency", Message: "must be a cron expression or descriptor such as @hourly or @every 30m"})
		} else if every, ok := sched.(cron.ConstantDelaySchedule); ok && every.Delay < time.Minute {
			errs = append(errs, registry.ValidationError{Key: "frequency", Message: "must not be more frequent than once a minute"})
		}
	}
	if _, ok := registry.ParseDirection(s.Direction); !ok {
		errs = append(errs, registry.ValidationError{Key: "direction", Message: "must be inbound, outbound, or bidirectional"})
	}
	for _, e := range s.EntityTypes {
		if len(registry.NormalizeEntityTypes([]string{e})) == 0 {
			errs = append(errs, registry.ValidationError{Key: "entityTypes", Message: fmt.Sprintf("unknown entity type %q", e)})
		}
	}
	return errs
}
