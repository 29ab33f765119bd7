package stripe

import (
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

var webhookEvents = []string{
	"customer.created",
	"customer.updated",
	"product.created",
	"product.updated",
	"invoice.created",
	"invoice.updated",
	"invoice.finalized",
	"invoice.paid",
}

func Definition() registry.ConnectorType {
	return registry.ConnectorType{
		Name:        configstore.KindStripe,
		DisplayName: "Stripe",
		Category:    registry.CategoryPayment,
		ConfigSchema: registry.NewSchema().
			Required("apiKey", registry.Property{
				Title:       "Secret key",
				Description: "Secret (sk_) or restricted (rk_) API key",
				Secret:      true,
			}).
			Optional("account", registry.Property{
				Title:       "Connected account",
				Description: "Sent as Stripe-Account for Connect platforms",
			}).
			Optional("apiBase", registry.Property{
				Title:   "API base URL",
				Format:  "uri",
				Default: "https://api.stripe.com",
			}).
			Build(),
		WebhookEvents:   append([]string(nil), webhookEvents...),
		SupportsAPIKey:  true,
		SupportsWebhook: true,
		IsActive:        true,
	}
}
