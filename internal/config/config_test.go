package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "ENCRYPTION_KEY", "ENCRYPTION_KEY_VAULT_PATH", "SYNC_QUEUE_MODE",
		"SYNC_LOCK_MODE", "SYNC_WORKERS", "SYNC_MAX_RUN_DURATION", "SYNC_FAILURE_BACKOFF_BASE",
		"SYNC_FAILURE_BACKOFF_MAX", "WEBHOOK_MAX_BODY_BYTES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadWithOptions_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadWithOptions(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncQueueMode != QueueModeInline {
		t.Fatalf("SyncQueueMode = %q, want %q", cfg.SyncQueueMode, QueueModeInline)
	}
	if cfg.SyncLockMode != LockModeLease {
		t.Fatalf("SyncLockMode = %q, want %q", cfg.SyncLockMode, LockModeLease)
	}
	if cfg.SyncWorkers != defaultSyncWorkers {
		t.Fatalf("SyncWorkers = %d, want %d", cfg.SyncWorkers, defaultSyncWorkers)
	}
	if cfg.SyncMaxRunDuration != defaultSyncMaxRunDuration {
		t.Fatalf("SyncMaxRunDuration = %s, want %s", cfg.SyncMaxRunDuration, defaultSyncMaxRunDuration)
	}
	if cfg.WebhookMaxBodyBytes != defaultWebhookMaxBody {
		t.Fatalf("WebhookMaxBodyBytes = %d, want %d", cfg.WebhookMaxBodyBytes, defaultWebhookMaxBody)
	}
}

func TestLoadWithOptions_ParsesDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_MAX_RUN_DURATION", "45m")
	t.Setenv("SYNC_WORKERS", "9")

	cfg, err := LoadWithOptions(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncMaxRunDuration != 45*time.Minute {
		t.Fatalf("SyncMaxRunDuration = %s, want 45m0s", cfg.SyncMaxRunDuration)
	}
	if cfg.SyncWorkers != 9 {
		t.Fatalf("SyncWorkers = %d, want 9", cfg.SyncWorkers)
	}
}

func TestLoadWithOptions_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_MAX_RUN_DURATION", "soon")
	t.Setenv("SYNC_WORKERS", "-2")

	cfg, err := LoadWithOptions(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncMaxRunDuration != defaultSyncMaxRunDuration {
		t.Fatalf("SyncMaxRunDuration = %s, want default", cfg.SyncMaxRunDuration)
	}
	if cfg.SyncWorkers != defaultSyncWorkers {
		t.Fatalf("SyncWorkers = %d, want default", cfg.SyncWorkers)
	}
}

func TestLoadWithOptions_BackoffMaxNotBelowBase(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_FAILURE_BACKOFF_BASE", "2h")
	t.Setenv("SYNC_FAILURE_BACKOFF_MAX", "1h")

	cfg, err := LoadWithOptions(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadWithOptions() error = %v", err)
	}
	if cfg.SyncFailureBackoffMax != 2*time.Hour {
		t.Fatalf("SyncFailureBackoffMax = %s, want 2h0m0s", cfg.SyncFailureBackoffMax)
	}
}

func TestLoadWithOptions_RejectsUnknownModes(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "queue mode", key: "SYNC_QUEUE_MODE", val: "kafka"},
		{name: "lock mode", key: "SYNC_LOCK_MODE", val: "mutex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			_, err := LoadWithOptions(LoadOptions{})
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("LoadWithOptions() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestLoad_RequiresDatabaseAndKey(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("Load() error = %v, want DATABASE_URL error", err)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Fatalf("Load() error = %v, want ENCRYPTION_KEY error", err)
	}

	t.Setenv("ENCRYPTION_KEY_VAULT_PATH", "secret/data/billing")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}
