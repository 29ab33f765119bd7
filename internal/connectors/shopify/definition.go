package shopify

import (
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

var webhookTopics = []string{
	"customers/create",
	"customers/update",
	"products/create",
	"products/update",
	"orders/create",
	"orders/updated",
	"orders/paid",
}

// Definition is the catalog entry for Shopify stores.
func Definition() registry.ConnectorType {
	return registry.ConnectorType{
		Name:        configstore.KindShopify,
		DisplayName: "Shopify",
		Category:    registry.CategoryEcommerce,
		ConfigSchema: registry.NewSchema().
			Required("shopDomain", registry.Property{
				Title:       "Shop domain",
				Description: "Store domain, e.g. acme.myshopify.com",
			}).
			Required("accessToken", registry.Property{
				Title:       "Admin API access token",
				Description: "Token of a custom app with read/write access to customers, products and orders",
				Secret:      true,
			}).
			Optional("apiVersion", registry.Property{
				Title:   "API version",
				Default: "2024-10",
			}).
			Optional("apiBase", registry.Property{
				Title:       "API base URL",
				Description: "Overrides https://<shopDomain>/admin/api/<apiVersion>",
				Format:      "uri",
			}).
			Build(),
		WebhookEvents:   append([]string(nil), webhookTopics...),
		SupportsOAuth:   true,
		SupportsAPIKey:  true,
		SupportsWebhook: true,
		IsActive:        true,
	}
}
