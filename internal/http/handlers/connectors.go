package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/connectors/service"
)

type createConnectorRequest struct {
	ConnectorType string          `json:"connectorType"`
	Name          string          `json:"name"`
	Config        registry.Config `json:"config"`
	SyncSettings  json.RawMessage `json:"syncSettings"`
	WebhookEvents []string        `json:"webhookEvents"`
}

type updateConnectorRequest struct {
	Name         *string         `json:"name"`
	Config       registry.Config `json:"config"`
	SyncSettings json.RawMessage `json:"syncSettings"`
}

type syncRequest struct {
	Direction   string   `json:"direction"`
	EntityTypes []string `json:"entityTypes"`
}

type putMappingsRequest struct {
	Mappings []service.Mapping `json:"mappings"`
}

func (h *Handlers) HandleListConnectorTypes(c *echo.Context) error {
	types, err := h.Connectors.ListTypes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": types})
}

func (h *Handlers) HandleListConnectors(c *echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	items, err := h.Connectors.List(c.Request().Context(), tenant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) HandleCreateConnector(c *echo.Context) error {
	tenant, err := tenantID(c)
	if err != nil {
		return err
	}
	var req createConnectorRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	conn, err := h.Connectors.Create(c.Request().Context(), service.CreateInput{
		TenantID:      tenant,
		Type:          req.ConnectorType,
		Name:          req.Name,
		Config:        req.Config,
		SyncSettings:  req.SyncSettings,
		WebhookEvents: req.WebhookEvents,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *Handlers) HandleGetConnector(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	conn, err := h.Connectors.Get(c.Request().Context(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handlers) HandleUpdateConnector(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	var req updateConnectorRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	conn, err := h.Connectors.Update(c.Request().Context(), service.UpdateInput{
		TenantID:     tenant,
		ID:           id,
		Name:         req.Name,
		Config:       req.Config,
		SyncSettings: req.SyncSettings,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *Handlers) HandleDeleteConnector(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	if err := h.Connectors.Delete(c.Request().Context(), tenant, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) HandleEnableConnector(c *echo.Context) error {
	return h.setActive(c, true)
}

func (h *Handlers) HandleDisableConnector(c *echo.Context) error {
	return h.setActive(c, false)
}

func (h *Handlers) setActive(c *echo.Context, active bool) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	conn, err := h.Connectors.SetActive(c.Request().Context(), tenant, id, active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

// HandleTestConnector probes the provider. A failed probe is still a 200; the
// outcome is in the body.
func (h *Handlers) HandleTestConnector(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	res, err := h.Connectors.Test(c.Request().Context(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": res.OK, "message": res.Message})
}

func (h *Handlers) HandleTriggerSync(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	var req syncRequest
	if err := decodeJSON(c, &req, true); err != nil {
		return err
	}
	run, err := h.Connectors.TriggerSync(c.Request().Context(), tenant, id, service.SyncInput{
		Direction:   req.Direction,
		EntityTypes: req.EntityTypes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"syncLogId": run.ID, "status": run.Status})
}

func (h *Handlers) HandleListLogs(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	page, err := h.Connectors.ListLogs(c.Request().Context(), tenant, id, parsePageParam(c), parsePerPageParam(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"items":      page.Items,
		"total":      page.Total,
		"page":       page.Page,
		"perPage":    page.PerPage,
		"totalPages": totalPages(page.Total, page.PerPage),
	})
}

func (h *Handlers) HandleListMappings(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	items, err := h.Connectors.ListMappings(c.Request().Context(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) HandlePutMappings(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	var req putMappingsRequest
	if err := decodeJSON(c, &req, false); err != nil {
		return err
	}
	items, err := h.Connectors.PutMappings(c.Request().Context(), tenant, id, req.Mappings)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) HandleDeleteMapping(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	mappingID, err := parseUUIDParam(c, "mappingId")
	if err != nil {
		return err
	}
	if err := h.Connectors.DeleteMapping(c.Request().Context(), tenant, id, mappingID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleRotateWebhookSecret returns the new secret; it is not retrievable
// afterwards.
func (h *Handlers) HandleRotateWebhookSecret(c *echo.Context) error {
	tenant, id, err := connectorRef(c)
	if err != nil {
		return err
	}
	secret, err := h.Connectors.RotateWebhookSecret(c.Request().Context(), tenant, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"secret": secret})
}

func connectorRef(c *echo.Context) (uuid.UUID, uuid.UUID, error) {
	tenant, err := tenantID(c)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return tenant, id, nil
}
