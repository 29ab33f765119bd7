// Package handlers contains the REST handlers for connector management and
// webhook delivery.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/orionX123/billing/internal/connectors/service"
	"github.com/orionX123/billing/internal/http/authn"
	"github.com/orionX123/billing/internal/webhook"
)

const (
	// ContextKeyRequestID stores the request id (X-Request-ID) for logging and client error references.
	ContextKeyRequestID = "request_id"

	// InternalErrorCode is a stable error code safe to return to clients.
	InternalErrorCode = "INTERNAL_ERROR"

	defaultWebhookMaxBody = 1 << 20
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handlers groups all HTTP handlers and shared dependencies.
type Handlers struct {
	Connectors          *service.Service
	Webhooks            *webhook.Ingestor
	Health              HealthChecker
	WebhookMaxBodyBytes int64
}

// RequestError is a client error whose message is safe to return verbatim.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func (e *RequestError) StatusCode() int { return e.Code }

func badRequest(format string, args ...any) error {
	return &RequestError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// RenderError logs err and returns a generic 500 carrying only the request
// reference.
func (h *Handlers) RenderError(c *echo.Context, err error) error {
	requestID, _ := c.Get(ContextKeyRequestID).(string)
	path := ""
	if req := c.Request(); req != nil && req.URL != nil {
		path = req.URL.Path
	}
	method := ""
	if req := c.Request(); req != nil {
		method = req.Method
	}
	c.Logger().Error("http error",
		"request_id", requestID,
		"method", method,
		"path", path,
		"ip", c.RealIP(),
		"error", err,
	)

	msg := "Internal server error."
	if requestID != "" {
		msg = fmt.Sprintf("%s Reference: %s.", msg, requestID)
	}
	msg = fmt.Sprintf("%s Code: %s.", msg, InternalErrorCode)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":     msg,
		"code":      InternalErrorCode,
		"requestId": requestID,
	})
}

// RenderNotFound returns a 404 response.
func RenderNotFound(c *echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
}

// HandleHealthz returns a simple health check response.
func (h *Handlers) HandleHealthz(c *echo.Context) error {
	if h.Health != nil {
		if err := h.Health.Ping(c.Request().Context()); err != nil {
			c.Logger().Warn("health check failed", "error", err)
			return c.String(http.StatusServiceUnavailable, "unavailable")
		}
	}
	return c.String(http.StatusOK, "ok")
}

func tenantID(c *echo.Context) (uuid.UUID, error) {
	p, ok := authn.PrincipalFromContext(c)
	if !ok {
		return uuid.Nil, &RequestError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	}
	return p.TenantID, nil
}

// parseUUIDParam treats a malformed id as a missing resource.
func parseUUIDParam(c *echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		return uuid.Nil, &RequestError{Code: http.StatusNotFound, Message: "not found"}
	}
	return id, nil
}

// decodeJSON reads the request body into v. An empty body is accepted when
// optional is set.
func decodeJSON(c *echo.Context, v any, optional bool) error {
	body := c.Request().Body
	if body == nil {
		if optional {
			return nil
		}
		return badRequest("request body is required")
	}
	err := json.NewDecoder(body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return badRequest("request body is required")
	default:
		return badRequest("request body is not valid JSON")
	}
}
