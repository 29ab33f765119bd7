package sync

import (
	"slices"
	"testing"

	"github.com/orionX123/billing/internal/connectors/registry"
)

func TestParseSettings(t *testing.T) {
	t.Parallel()

	s, err := ParseSettings([]byte(`{"frequency":"@every 15m","direction":"bidirectional","entityTypes":["customer"],"fullSync":true}`))
	if err != nil {
		t.Fatalf("ParseSettings: %v", err)
	}
	if !s.Scheduled() || s.DirectionOrDefault() != registry.DirectionBidirectional || !s.FullSync {
		t.Fatalf("settings = %+v", s)
	}
	if _, err := ParseSettings([]byte(`[`)); err == nil {
		t.Fatal("expected error for malformed settings")
	}
	empty, err := ParseSettings(nil)
	if err != nil || empty.Scheduled() || empty.DirectionOrDefault() != registry.DirectionInbound {
		t.Fatalf("empty settings = %+v, %v", empty, err)
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings Settings
		wantKeys []string
	}{
		{name: "manual", settings: Settings{Frequency: "manual"}},
		{name: "cron", settings: Settings{Frequency: "*/15 * * * *", Direction: "outbound"}},
		{name: "too frequent", settings: Settings{Frequency: "@every 10s"}, wantKeys: []string{"frequency"}},
		{name: "garbage frequency", settings: Settings{Frequency: "often"}, wantKeys: []string{"frequency"}},
		{name: "bad direction", settings: Settings{Direction: "up"}, wantKeys: []string{"direction"}},
		{name: "bad entity", settings: Settings{EntityTypes: []string{"customer", "payout"}}, wantKeys: []string{"entityTypes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.settings.Validate().Keys()
			if !slices.Equal(got, tt.wantKeys) {
				t.Fatalf("keys = %v, want %v", got, tt.wantKeys)
			}
		})
	}
}
