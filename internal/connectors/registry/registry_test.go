package registry

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

type stubAdapter struct {
	ct        ConnectorType
	extraErrs ValidationErrors
}

func (s stubAdapter) Type() ConnectorType                       { return s.ct }
func (s stubAdapter) Probe(context.Context, Config) ProbeResult { return ProbeResult{OK: true} }
func (s stubAdapter) WebhookSignature() SignatureVerifier       { return HMACSignature{HeaderName: "X-Sig"} }
func (s stubAdapter) ValidateConfig(Config) ValidationErrors    { return s.extraErrs }
func (s stubAdapter) Pull(context.Context, Config, PullRequest) (RecordBatch, error) {
	return RecordBatch{}, nil
}
func (s stubAdapter) Push(context.Context, Config, PushRequest) ([]PushResult, error) {
	return nil, nil
}
func (s stubAdapter) DecodeWebhook(context.Context, http.Header, []byte) (WebhookEvent, error) {
	return WebhookEvent{}, nil
}

func apiKeyType(name string) ConnectorType {
	return ConnectorType{
		Name:     name,
		Category: CategoryAPI,
		ConfigSchema: NewSchema().
			Required("apiKey", Property{Title: "API key", Secret: true}).
			Optional("pageSize", Property{Title: "Page size", Type: PropertyInteger}).
			Optional("sandbox", Property{Title: "Sandbox", Type: PropertyBoolean}).
			Optional("region", Property{Title: "Region", Enum: []string{"us", "eu"}}).
			Build(),
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(stubAdapter{ct: apiKeyType("Alpha")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(stubAdapter{ct: apiKeyType("beta")}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(stubAdapter{ct: apiKeyType("ALPHA")}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := r.Register(stubAdapter{ct: apiKeyType("  ")}); err == nil {
		t.Fatal("expected empty name error")
	}

	if _, err := r.Lookup(" alpha "); err != nil {
		t.Fatalf("Lookup(alpha) error = %v", err)
	}
	_, err := r.Lookup("legacy_erp")
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("Lookup(legacy_erp) error = %v, want ErrUnsupportedProvider", err)
	}

	var names []string
	for _, ct := range r.Catalog() {
		names = append(names, ct.Name)
	}
	if !reflect.DeepEqual(names, []string{"Alpha", "beta"}) {
		t.Fatalf("Catalog() names = %v", names)
	}
	if len(r.All()) != 2 {
		t.Fatalf("All() len = %d, want 2", len(r.All()))
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	ct := apiKeyType("alpha")
	tests := []struct {
		name     string
		cfg      Config
		wantKeys []string
	}{
		{name: "valid", cfg: Config{"apiKey": "k-1", "pageSize": float64(50), "sandbox": true, "region": "eu"}},
		{name: "missing required", cfg: Config{}, wantKeys: []string{"apiKey"}},
		{name: "blank required", cfg: Config{"apiKey": "   "}, wantKeys: []string{"apiKey"}},
		{name: "wrong type", cfg: Config{"apiKey": float64(12)}, wantKeys: []string{"apiKey"}},
		{name: "fractional integer", cfg: Config{"apiKey": "k", "pageSize": 1.5}, wantKeys: []string{"pageSize"}},
		{name: "bad boolean", cfg: Config{"apiKey": "k", "sandbox": "yes"}, wantKeys: []string{"sandbox"}},
		{name: "bad enum", cfg: Config{"apiKey": "k", "region": "apac"}, wantKeys: []string{"region"}},
		{name: "unknown keys ignored", cfg: Config{"apiKey": "k", "extra": []any{1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ValidateConfig(ct, tt.cfg)
			if len(tt.wantKeys) == 0 {
				if len(got) != 0 {
					t.Fatalf("ValidateConfig() = %v, want none", got)
				}
				return
			}
			if !reflect.DeepEqual(got.Keys(), tt.wantKeys) {
				t.Fatalf("ValidateConfig() keys = %v, want %v", got.Keys(), tt.wantKeys)
			}
			if !strings.Contains(got.Error(), tt.wantKeys[0]) {
				t.Fatalf("Error() = %q, want mention of %q", got.Error(), tt.wantKeys[0])
			}
		})
	}
}

func TestRegistryValidateConfigMergesAdapterChecks(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ct := apiKeyType("alpha")
	_ = r.Register(stubAdapter{ct: ct, extraErrs: ValidationErrors{
		{Key: "apiKey", Message: "is required"},
		{Key: "baseUrl", Message: "must be an absolute URL"},
	}})

	got := r.ValidateConfig(ct, Config{})
	if !reflect.DeepEqual(got.Keys(), []string{"apiKey", "baseUrl"}) {
		t.Fatalf("ValidateConfig() keys = %v", got.Keys())
	}
	if (ValidationErrors{}).Err() != nil {
		t.Fatal("empty ValidationErrors must convert to nil error")
	}
}

type keyedErr struct{ key string }

func (k keyedErr) Error() string     { return k.key + " is required" }
func (k keyedErr) ConfigKey() string { return k.key }

func TestValidationErrorsFrom(t *testing.T) {
	t.Parallel()

	err := errors.Join(keyedErr{key: "realmId"}, errors.New("something else"))
	got := ValidationErrorsFrom(err)
	want := ValidationErrors{
		{Key: "realmId", Message: "is required"},
		{Key: "config", Message: "something else"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ValidationErrorsFrom() = %#v, want %#v", got, want)
	}
	if ValidationErrorsFrom(nil) != nil {
		t.Fatal("nil error must produce nil")
	}
}

func TestConfigMergeAndMask(t *testing.T) {
	t.Parallel()

	schema := apiKeyType("alpha").ConfigSchema
	stored := Config{"apiKey": "sk_live_abcdef1234", "region": "us"}

	masked := stored.Masked(schema)
	if masked["apiKey"] != "sk_****1234" || masked["region"] != "us" {
		t.Fatalf("Masked() = %v", masked)
	}
	if stored["apiKey"] != "sk_live_abcdef1234" {
		t.Fatal("Masked() must not mutate the receiver")
	}

	merged := stored.Merge(schema, Config{"apiKey": "sk_****1234", "region": "eu"})
	if merged["apiKey"] != "sk_live_abcdef1234" || merged["region"] != "eu" {
		t.Fatalf("Merge(masked) = %v", merged)
	}
	merged = stored.Merge(schema, Config{"apiKey": ""})
	if merged["apiKey"] != "sk_live_abcdef1234" {
		t.Fatalf("Merge(empty) = %v", merged)
	}
	merged = stored.Merge(schema, Config{"apiKey": "sk_live_new"})
	if merged["apiKey"] != "sk_live_new" {
		t.Fatalf("Merge(new) = %v", merged)
	}
}

func TestDecodeConfig(t *testing.T) {
	t.Parallel()

	cfg, err := DecodeConfig([]byte(`{"apiKey":"k","pageSize":20,"sandbox":"true"}`))
	if err != nil {
		t.Fatalf("DecodeConfig() error = %v", err)
	}
	if cfg.String("apiKey") != "k" || cfg.Int("pageSize", 0) != 20 || !cfg.Bool("sandbox") {
		t.Fatalf("DecodeConfig() = %v", cfg)
	}
	if cfg.StringDefault("missing", "def") != "def" {
		t.Fatal("StringDefault() must fall back")
	}
	if _, err := DecodeConfig([]byte(`[1,2]`)); err == nil {
		t.Fatal("expected error for non-object config")
	}
	empty, err := DecodeConfig(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("DecodeConfig(nil) = %v, %v", empty, err)
	}
}
