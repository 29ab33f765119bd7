package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
)

// ParseKey decodes a master key given as standard/url base64 or hex.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("encryption key is empty")
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(raw)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes (base64 or hex)", KeySize)
}

// VaultKeyOptions locates the master key inside a HashiCorp Vault KV mount.
type VaultKeyOptions struct {
	Address   string
	Token     string
	Namespace string
	// Path is the logical read path, e.g. "secret/data/billing" for KV v2.
	Path  string
	Field string
}

// LoadKeyFromVault reads the master key from HashiCorp Vault. Both KV v1
// (flat data) and KV v2 (data nested under "data") responses are accepted.
func LoadKeyFromVault(ctx context.Context, opts VaultKeyOptions) ([]byte, error) {
	path := strings.Trim(strings.TrimSpace(opts.Path), "/")
	if path == "" {
		return nil, errors.New("vault key path is required")
	}
	field := strings.TrimSpace(opts.Field)
	if field == "" {
		field = "key"
	}

	cfg := vaultapi.DefaultConfig()
	if addr := strings.TrimSpace(opts.Address); addr != "" {
		cfg.Address = addr
	}
	cfg.HttpClient = &http.Client{Timeout: 30 * time.Second}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client setup: %w", err)
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		client.SetToken(token)
	}
	if ns := strings.TrimSpace(opts.Namespace); ns != "" {
		client.SetNamespace(ns)
	}

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault read %s: no data", path)
	}
	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}
	value, ok := data[field].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("vault secret %s has no %q field", path, field)
	}
	return ParseKey(value)
}

// GenerateKey returns a fresh base64-encoded master key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

const webhookSecretBytes = 32

// GenerateWebhookSecret returns a fresh shared secret for signing webhook
// deliveries.
func GenerateWebhookSecret() (string, error) {
	b := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + base64.RawURLEncoding.EncodeToString(b), nil
}
