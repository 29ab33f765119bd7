package handlers

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"
)

func parsePageParam(c *echo.Context) int {
	page := 1
	if rawPage := strings.TrimSpace(c.QueryParam("page")); rawPage != "" {
		if parsed, err := strconv.Atoi(rawPage); err == nil && parsed > 0 {
			page = parsed
		}
	}
	return page
}

// parsePerPageParam returns 0 when absent so the service default applies.
func parsePerPageParam(c *echo.Context) int {
	if raw := strings.TrimSpace(c.QueryParam("per_page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

func totalPages(totalCount int64, perPage int) int {
	if perPage < 1 {
		perPage = 1
	}
	denom := int64(perPage)
	pages := int((totalCount + denom - 1) / denom)
	if pages < 1 {
		pages = 1
	}
	return pages
}
