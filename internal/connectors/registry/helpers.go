package registry

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

const (
	SyncErrorKindAPI             = "api"
	SyncErrorKindAuth            = "auth"
	SyncErrorKindDB              = "db"
	SyncErrorKindTimeout         = "timeout"
	SyncErrorKindCredential      = "credential"
	SyncErrorKindContextCanceled = "context_canceled"
	SyncErrorKindUnknown         = "unknown"
)

// ConnectorLockKey derives the advisory lock key for one tenant connector.
func ConnectorLockKey(scope, connectorID string) int64 {
	scope = strings.ToLower(strings.TrimSpace(scope))
	connectorID = strings.ToLower(strings.TrimSpace(connectorID))

	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(connectorID))
	return int64(h.Sum64())
}

// ExternalSource tags local rows with the connector that produced them.
func ExternalSource(typeName, connectorID string) string {
	return normalizeName(typeName) + ":" + strings.TrimSpace(connectorID)
}

func MarshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("registry: marshal json: %w", err))
	}
	return b
}

func NormalizeJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// TruncateMessage bounds human-readable error text stored on rows.
func TruncateMessage(msg string, max int) string {
	msg = strings.TrimSpace(msg)
	if max <= 0 || len(msg) <= max {
		return msg
	}
	cut := max
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
