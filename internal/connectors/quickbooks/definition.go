package quickbooks

import (
	"github.com/orionX123/billing/internal/connectors/configstore"
	"github.com/orionX123/billing/internal/connectors/registry"
)

func Definition() registry.ConnectorType {
	return registry.ConnectorType{
		Name:        configstore.KindQuickBooks,
		DisplayName: "QuickBooks Online",
		Category:    registry.CategoryAccounting,
		ConfigSchema: registry.NewSchema().
			Required("realmId", registry.Property{
				Title:       "Company ID",
				Description: "QuickBooks realm id of the company",
			}).
			Required("accessToken", registry.Property{
				Title:  "OAuth access token",
				Secret: true,
			}).
			Optional("environment", registry.Property{
				Title:   "Environment",
				Enum:    []string{configstore.QuickBooksEnvironmentProduction, configstore.QuickBooksEnvironmentSandbox},
				Default: configstore.QuickBooksEnvironmentProduction,
			}).
			Optional("minorVersion", registry.Property{
				Title:   "API minor version",
				Default: "73",
			}).
			Optional("apiBase", registry.Property{
				Title:  "API base URL",
				Format: "uri",
			}).
			Build(),
		WebhookEvents:   []string{"dataChangeEvent"},
		SupportsOAuth:   true,
		SupportsWebhook: true,
		IsActive:        true,
	}
}
