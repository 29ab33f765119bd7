package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"

	defaultSyncWorkers        = 4
	defaultSyncQueueSize      = 256
	defaultSyncMaxRunDuration = 30 * time.Minute
	defaultSyncReaperInterval = time.Minute
	defaultSchedulerInterval  = time.Minute
	defaultBackoffBase        = 5 * time.Minute
	defaultBackoffMax         = 6 * time.Hour
	defaultAdapterTimeout     = 30 * time.Second
	defaultWebhookMaxBody     = 1 << 20
	defaultWebhookDedupTTL    = 24 * time.Hour

	defaultVaultField    = "key"
	defaultNotifySubject = "billing.connectors.alerts"
	defaultNATSURL       = "nats://127.0.0.1:4222"
)

const (
	QueueModeInline = "inline"
	QueueModeNATS   = "nats"

	LockModeLease    = "lease"
	LockModeAdvisory = "advisory"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	// EncryptionKey is the raw ENCRYPTION_KEY value (base64 or hex).
	EncryptionKey  string
	VaultAddr      string
	VaultToken     string
	VaultPath      string
	VaultField     string
	VaultNamespace string

	SyncQueueMode          string
	NATSURL                string
	SyncWorkers            int
	SyncQueueSize          int
	SyncMaxRunDuration     time.Duration
	SyncReaperInterval     time.Duration
	SchedulerInterval      time.Duration
	SyncFailureBackoffBase time.Duration
	SyncFailureBackoffMax  time.Duration
	SyncLockMode           string

	AdapterRequestTimeout time.Duration

	WebhookMaxBodyBytes int64
	RedisURL            string
	WebhookDedupTTL     time.Duration

	NotifySubject string
}

type LoadOptions struct {
	RequireDatabaseURL   bool
	RequireEncryptionKey bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true, RequireEncryptionKey: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		HTTPAddr:               getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:            strings.TrimSpace(getenvDefault("METRICS_ADDR", defaultMetricsAddr)),
		EncryptionKey:          strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")),
		VaultAddr:              strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_VAULT_ADDR")),
		VaultToken:             strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_VAULT_TOKEN")),
		VaultPath:              strings.Trim(strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_VAULT_PATH")), "/"),
		VaultField:             getenvDefault("ENCRYPTION_KEY_VAULT_FIELD", defaultVaultField),
		VaultNamespace:         strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_VAULT_NAMESPACE")),
		SyncQueueMode:          strings.ToLower(strings.TrimSpace(getenvDefault("SYNC_QUEUE_MODE", QueueModeInline))),
		NATSURL:                getenvDefault("NATS_URL", defaultNATSURL),
		SyncWorkers:            getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
		SyncQueueSize:          getenvIntDefault("SYNC_QUEUE_SIZE", defaultSyncQueueSize),
		SyncMaxRunDuration:     getenvDurationDefault("SYNC_MAX_RUN_DURATION", defaultSyncMaxRunDuration),
		SyncReaperInterval:     getenvDurationDefault("SYNC_REAPER_INTERVAL", defaultSyncReaperInterval),
		SchedulerInterval:      getenvDurationDefault("SCHEDULER_INTERVAL", defaultSchedulerInterval),
		SyncFailureBackoffBase: getenvDurationDefault("SYNC_FAILURE_BACKOFF_BASE", defaultBackoffBase),
		SyncFailureBackoffMax:  getenvDurationDefault("SYNC_FAILURE_BACKOFF_MAX", defaultBackoffMax),
		SyncLockMode:           strings.ToLower(strings.TrimSpace(getenvDefault("SYNC_LOCK_MODE", LockModeLease))),
		AdapterRequestTimeout:  getenvDurationDefault("ADAPTER_REQUEST_TIMEOUT", defaultAdapterTimeout),
		WebhookMaxBodyBytes:    int64(getenvIntDefault("WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBody)),
		RedisURL:               strings.TrimSpace(os.Getenv("REDIS_URL")),
		WebhookDedupTTL:        getenvDurationDefault("WEBHOOK_DEDUP_TTL", defaultWebhookDedupTTL),
		NotifySubject:          getenvDefault("NOTIFY_SUBJECT", defaultNotifySubject),
	}

	switch cfg.SyncQueueMode {
	case QueueModeInline, QueueModeNATS:
	default:
		return cfg, fmt.Errorf("SYNC_QUEUE_MODE must be one of: %s, %s", QueueModeInline, QueueModeNATS)
	}
	switch cfg.SyncLockMode {
	case LockModeLease, LockModeAdvisory:
	default:
		return cfg, fmt.Errorf("SYNC_LOCK_MODE must be one of: %s, %s", LockModeLease, LockModeAdvisory)
	}
	if cfg.SyncFailureBackoffMax < cfg.SyncFailureBackoffBase {
		cfg.SyncFailureBackoffMax = cfg.SyncFailureBackoffBase
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if opts.RequireEncryptionKey && !cfg.HasEncryptionKeySource() {
		return cfg, errors.New("ENCRYPTION_KEY or ENCRYPTION_KEY_VAULT_PATH is required")
	}

	return cfg, nil
}

// HasEncryptionKeySource reports whether a credential key can be resolved.
func (c Config) HasEncryptionKeySource() bool {
	return c.EncryptionKey != "" || c.VaultPath != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
