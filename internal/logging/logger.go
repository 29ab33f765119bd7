package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

const (
	// EnvFormat selects the handler: json (default) or text.
	EnvFormat = "LOG_FORMAT"
	// EnvLevel sets the minimum level: debug, info (default), warn, error.
	EnvLevel = "LOG_LEVEL"

	appName       = "billing"
	redactedValue = "[REDACTED]"
)

var (
	formats = map[string]bool{"json": true, "text": true}

	levels = map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
)

// Config is the validated logging configuration.
type Config struct {
	Format string
	Level  slog.Level
}

type BootstrapOptions struct {
	Command string
	Writer  io.Writer
}

func DefaultConfig() Config {
	return Config{Format: "json", Level: slog.LevelInfo}
}

// LoadConfigFromEnv reads LOG_FORMAT and LOG_LEVEL. Unset values fall back to
// DefaultConfig; unknown values are an error.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if raw := normalize(os.Getenv(EnvFormat)); raw != "" {
		if !formats[raw] {
			return Config{}, fmt.Errorf("%s must be one of: %s", EnvFormat, keys(formats))
		}
		cfg.Format = raw
	}
	if raw := normalize(os.Getenv(EnvLevel)); raw != "" {
		lvl, ok := levels[raw]
		if !ok {
			return Config{}, fmt.Errorf("%s must be one of: debug, info, warn, error", EnvLevel)
		}
		cfg.Level = lvl
	}
	return cfg, nil
}

// NewLogger builds a logger tagged with the app and command names. Credential
// attributes are redacted before they reach writer.
func NewLogger(cfg Config, writer io.Writer, command string) *slog.Logger {
	if writer == nil {
		writer = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: redact}

	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if normalize(cfg.Format) == "text" {
		handler = slog.NewTextHandler(writer, opts)
	}

	if command = strings.TrimSpace(command); command == "" {
		command = appName
	}
	return slog.New(handler).With("app", appName, "command", command)
}

// BootstrapFromEnv installs an env-configured logger as the slog default.
func BootstrapFromEnv(opts BootstrapOptions) (*slog.Logger, error) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg, opts.Writer, opts.Command)
	slog.SetDefault(logger)
	return logger, nil
}

// Connector credentials and webhook secrets travel through adapter configs;
// none of them may be logged verbatim.
var (
	sensitiveKeys = map[string]bool{
		"apikey":        true,
		"api_key":       true,
		"secret":        true,
		"secretkey":     true,
		"accesstoken":   true,
		"password":      true,
		"authorization": true,
		"config":        true,
		"credentials":   true,
	}
	sensitiveSuffixes = []string{"_secret", "_token", "_password", "_api_key"}
)

func redact(_ []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	if sensitiveKeys[key] {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
