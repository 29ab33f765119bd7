package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrUnsupportedProvider is returned when no adapter is registered for a
	// catalog entry.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrUnauthorized is returned when a webhook signature does not verify.
	ErrUnauthorized = errors.New("unauthorized")
)

// ConnectionError normalizes probe, pull, and push failures against a
// provider into one shape the orchestrator can record.
type ConnectionError struct {
	Provider   string
	Op         string
	StatusCode int
	// Auth is true when the provider rejected the credentials.
	Auth bool
	Err  error
}

func (e *ConnectionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Auth {
		b.WriteString(": credentials rejected")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AsConnectionError wraps err as a ConnectionError unless it already is one.
func AsConnectionError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Provider: provider, Op: op, Err: err}
}

// IsRecordError reports whether err concerns a single record, such as a 404
// for an entity deleted after it was announced, rather than the connection as
// a whole. Auth, throttling, timeouts, and server errors are connection-wide.
func IsRecordError(err error) bool {
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Auth {
		return false
	}
	switch ce.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return ce.StatusCode >= 400 && ce.StatusCode < 500
}

// ErrorKind classifies err for metrics and sync summaries.
func ErrorKind(err error) string {
	var ce *ConnectionError
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return SyncErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return SyncErrorKindContextCanceled
	case errors.As(err, &ce) && ce.Auth:
		return SyncErrorKindAuth
	case errors.As(err, &ce):
		return SyncErrorKindAPI
	case errors.As(err, &netErr):
		return SyncErrorKindAPI
	default:
		return SyncErrorKindUnknown
	}
}
