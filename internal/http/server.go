package httpapp

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/http/authn"
	"github.com/orionX123/billing/internal/http/handlers"
	"github.com/orionX123/billing/internal/sync"
	"github.com/orionX123/billing/internal/webhook"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *handlers.Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(h *handlers.Handlers, logger *slog.Logger) *EchoServer {
	e := echo.New()
	if logger != nil {
		e.Logger = logger
	}
	es := &EchoServer{h: h, e: e}
	e.HTTPErrorHandler = es.httpErrorHandler
	e.Use(middleware.Recover())
	e.Use(requestID())
	e.Use(accessLog())
	es.registerRoutes()
	return es
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.HandleHealthz)
	es.e.POST("/webhooks/connector/:id", es.h.HandleWebhook)

	admin := authn.RequireRole(authn.RoleAdmin)
	api := es.e.Group("/api", authn.RequireTenant())
	api.GET("/connector-types", es.h.HandleListConnectorTypes)
	api.GET("/connectors", es.h.HandleListConnectors)
	api.POST("/connectors", es.h.HandleCreateConnector, admin)
	api.GET("/connectors/:id", es.h.HandleGetConnector)
	api.PUT("/connectors/:id", es.h.HandleUpdateConnector, admin)
	api.DELETE("/connectors/:id", es.h.HandleDeleteConnector, admin)
	api.POST("/connectors/:id/enable", es.h.HandleEnableConnector, admin)
	api.POST("/connectors/:id/disable", es.h.HandleDisableConnector, admin)
	api.POST("/connectors/:id/test", es.h.HandleTestConnector, admin)
	api.POST("/connectors/:id/sync", es.h.HandleTriggerSync, admin)
	api.GET("/connectors/:id/logs", es.h.HandleListLogs)
	api.GET("/connectors/:id/mappings", es.h.HandleListMappings)
	api.PUT("/connectors/:id/mappings", es.h.HandlePutMappings, admin)
	api.DELETE("/connectors/:id/mappings/:mappingId", es.h.HandleDeleteMapping, admin)
	api.POST("/connectors/:id/webhook/rotate-secret", es.h.HandleRotateWebhookSecret, admin)
}

// Handler exposes the router for an http.Server.
func (es *EchoServer) Handler() http.Handler {
	return es.e
}

// httpErrorHandler maps the error taxonomy onto status codes. Only messages
// known to be safe reach the client.
func (es *EchoServer) httpErrorHandler(c *echo.Context, err error) {
	var verrs registry.ValidationErrors
	var reqErr *handlers.RequestError
	var respErr error
	switch {
	case errors.As(err, &verrs):
		respErr = c.JSON(http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "fields": verrs})
	case errors.As(err, &reqErr):
		respErr = c.JSON(reqErr.Code, map[string]string{"error": reqErr.Message})
	case isNotFound(err):
		respErr = handlers.RenderNotFound(c)
	default:
		status := httpStatusFromError(err)
		if status >= http.StatusInternalServerError {
			respErr = es.h.RenderError(c, err)
			break
		}
		respErr = c.JSON(status, map[string]string{"error": clientMessage(err, status)})
	}
	if respErr != nil {
		c.Logger().Error("failed to write error response", "error", respErr)
	}
}

func httpStatusFromError(err error) int {
	var verrs registry.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case isNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrUnsupportedProvider):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, sync.ErrSyncAlreadyRunning), errors.Is(err, sync.ErrConnectorInactive):
		return http.StatusConflict
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code >= 400 && code <= 599 {
			return code
		}
	}
	return http.StatusInternalServerError
}

func clientMessage(err error, status int) string {
	switch {
	case errors.Is(err, registry.ErrUnsupportedProvider):
		return "unsupported provider"
	case errors.Is(err, registry.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, sync.ErrSyncAlreadyRunning):
		return "a sync is already running for this connector"
	case errors.Is(err, sync.ErrConnectorInactive):
		return "connector is inactive"
	}
	return http.StatusText(status)
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, webhook.ErrNotFound)
}

func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(echo.HeaderXRequestID))
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			c.Set(handlers.ContextKeyRequestID, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

func accessLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			requestID, _ := c.Get(handlers.ContextKeyRequestID).(string)
			attrs := []any{
				"request_id", requestID,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				attrs = append(attrs, "status", httpStatusFromError(err))
			}
			c.Logger().Debug("http request", attrs...)
			return err
		}
	}
}
