// Package authn reads the caller identity forwarded by the upstream gateway.
// Requests reach this service only through that gateway, so the tenant and
// role headers are trusted as-is.
package authn

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

const (
	ContextKeyPrincipal = "auth_principal"

	HeaderTenantID = "X-Tenant-ID"
	HeaderUserRole = "X-User-Role"

	RoleAdmin = "admin"
)

type Principal struct {
	TenantID uuid.UUID
	Role     string
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

func PrincipalFromContext(c *echo.Context) (Principal, bool) {
	p, ok := c.Get(ContextKeyPrincipal).(Principal)
	return p, ok
}

// LoadPrincipal parses the gateway headers. A missing or malformed tenant id
// yields ok=false.
func LoadPrincipal(h http.Header) (Principal, bool) {
	raw := strings.TrimSpace(h.Get(HeaderTenantID))
	if raw == "" {
		return Principal{}, false
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil || tenantID == uuid.Nil {
		return Principal{}, false
	}
	return Principal{
		TenantID: tenantID,
		Role:     strings.ToLower(strings.TrimSpace(h.Get(HeaderUserRole))),
	}, true
}

func RequireTenant() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			principal, ok := LoadPrincipal(c.Request().Header)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			c.Set(ContextKeyPrincipal, principal)
			return next(c)
		}
	}
}

func RequireRole(role string) echo.MiddlewareFunc {
	role = strings.ToLower(strings.TrimSpace(role))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			p, ok := PrincipalFromContext(c)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			if p.Role != role {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
			}
			return next(c)
		}
	}
}
