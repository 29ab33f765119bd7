package restapi

import (
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

func Definition() registry.ConnectorType {
	return registry.ConnectorType{
		Name:        configstore.KindREST,
		DisplayName: "REST API",
		Category:    registry.CategoryAPI,
		ConfigSchema: registry.NewSchema().
			Required("baseUrl", registry.Property{Title: "Base URL", Format: "uri"}).
			Required("apiKey", registry.Property{Title: "API key", Secret: true}).
			Optional("authHeader", registry.Property{Title: "Auth header", Default: "Authorization"}).
			Optional("authScheme", registry.Property{Title: "Auth scheme", Description: "Prefix before the key, e.g. Bearer. Empty sends the bare key.", Default: "Bearer"}).
			Optional("healthPath", registry.Property{Title: "Health check path", Default: "/"}).
			Optional("customersPath", registry.Property{Title: "Customers path", Default: "/customers"}).
			Optional("productsPath", registry.Property{Title: "Products path", Default: "/products"}).
			Optional("invoicesPath", registry.Property{Title: "Invoices path", Default: "/invoices"}).
			Optional("itemsKey", registry.Property{Title: "List items key", Description: "Array property of list responses; empty when the body is the array"}).
			Optional("idField", registry.Property{Title: "Id field", Default: "id"}).
			Optional("pageSize", registry.Property{Title: "Page size", Type: registry.PropertyInteger, Default: 100}).
			Build(),
		WebhookEvents: []string{
			"customer.created", "customer.updated",
			"product.created", "product.updated",
			"invoice.created", "invoice.updated",
		},
		SupportsAPIKey:  true,
		SupportsWebhook: true,
		IsActive:        true,
	}
}
