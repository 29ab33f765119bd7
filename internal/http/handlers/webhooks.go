package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/orionX123/billing/internal/webhook"
)

// HandleWebhook accepts a provider delivery. The raw body is passed through
// untouched so the signature can be verified over the exact bytes sent.
func (h *Handlers) HandleWebhook(c *echo.Context) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	limit := h.WebhookMaxBodyBytes
	if limit <= 0 {
		limit = defaultWebhookMaxBody
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &RequestError{Code: http.StatusRequestEntityTooLarge, Message: "payload too large"}
		}
		return badRequest("could not read request body")
	}

	outcome, err := h.Webhooks.Ingest(c.Request().Context(), id, c.Request().Header, body)
	if err != nil {
		return err
	}
	code := http.StatusAccepted
	if outcome.Status == webhook.StatusDuplicate || outcome.Status == webhook.StatusIgnored {
		code = http.StatusOK
	}
	return c.JSON(code, outcome)
}
