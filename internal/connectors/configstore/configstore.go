// Package configstore holds the typed, normalized configuration of each
// provider. Stored configuration is a JSON object keyed by camelCase property
// names; adapters decode it into these structs before use.
package configstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	KindShopify    = "shopify"
	KindStripe     = "stripe"
	KindQuickBooks = "quickbooks"
	KindREST       = "rest_api"
)

const (
	defaultShopifyAPIVersion = "2024-10"
	defaultStripeAPIBase     = "https://api.stripe.com"
	quickBooksProductionBase = "https://quickbooks.api.intuit.com"
	quickBooksSandboxBase    = "https://sandbox-quickbooks.api.intuit.com"
	defaultRESTAuthHeader    = "Authorization"
	defaultRESTAuthScheme    = "Bearer"
	defaultRESTPageSize      = 100
	maxRESTPageSize          = 500
)

const (
	QuickBooksEnvironmentSandbox    = "sandbox"
	QuickBooksEnvironmentProduction = "production"
)

var shopDomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*\.myshopify\.com$`)

// FieldError is a configuration problem attributed to one property.
type FieldError struct {
	Key     string
	Message string
}

func (e *FieldError) Error() string {
	return e.Key + " " + e.Message
}

// ConfigKey names the offending property.
func (e *FieldError) ConfigKey() string { return e.Key }

func fieldError(key, message string) error {
	return &FieldError{Key: key, Message: message}
}

type ShopifyConfig struct {
	ShopDomain  string `json:"shopDomain"`
	AccessToken string `json:"accessToken"`
	APIVersion  string `json:"apiVersion,omitempty"`
	// APIBase overrides https://<shopDomain>/admin/api/<version>.
	APIBase string `json:"apiBase,omitempty"`
}

func (c ShopifyConfig) Normalized() ShopifyConfig {
	out := c
	out.ShopDomain = strings.ToLower(strings.TrimSpace(out.ShopDomain))
	out.ShopDomain = strings.TrimPrefix(out.ShopDomain, "https://")
	out.ShopDomain = strings.TrimSuffix(out.ShopDomain, "/")
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.APIVersion = strings.TrimSpace(out.APIVersion)
	if out.APIVersion == "" {
		out.APIVersion = defaultShopifyAPIVersion
	}
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	return out
}

func (c ShopifyConfig) BaseURL() string {
	c = c.Normalized()
	if c.APIBase != "" {
		return c.APIBase
	}
	return "https://" + c.ShopDomain + "/admin/api/" + c.APIVersion
}

func (c ShopifyConfig) Validate() error {
	c = c.Normalized()
	var errs []error
	if c.ShopDomain == "" {
		errs = append(errs, fieldError("shopDomain", "is required"))
	} else if c.APIBase == "" && !shopDomainPattern.MatchString(c.ShopDomain) {
		errs = append(errs, fieldError("shopDomain", "must look like <store>.myshopify.com"))
	}
	if c.AccessToken == "" {
		errs = append(errs, fieldError("accessToken", "is required"))
	}
	if c.APIBase != "" {
		if err := validateHTTPURL(c.APIBase); err != nil {
			errs = append(errs, fieldError("apiBase", err.Error()))
		}
	}
	return errors.Join(errs...)
}

type StripeConfig struct {
	APIKey  string `json:"apiKey"`
	APIBase string `json:"apiBase,omitempty"`
	// Account is sent as Stripe-Account for Connect platforms.
	Account string `json:"account,omitempty"`
}

func (c StripeConfig) Normalized() StripeConfig {
	out := c
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.Account = strings.TrimSpace(out.Account)
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	if out.APIBase == "" {
		out.APIBase = defaultStripeAPIBase
	}
	return out
}

func (c StripeConfig) Validate() error {
	c = c.Normalized()
	var errs []error
	switch {
	case c.APIKey == "":
		errs = append(errs, fieldError("apiKey", "is required"))
	case !strings.HasPrefix(c.APIKey, "sk_") && !strings.HasPrefix(c.APIKey, "rk_"):
		errs = append(errs, fieldError("apiKey", "must be a secret (sk_) or restricted (rk_) key"))
	}
	if err := validateHTTPURL(c.APIBase); err != nil {
		errs = append(errs, fieldError("apiBase", err.Error()))
	}
	return errors.Join(errs...)
}

type QuickBooksConfig struct {
	RealmID      string `json:"realmId"`
	AccessToken  string `json:"accessToken"`
	Environment  string `json:"environment,omitempty"`
	APIBase      string `json:"apiBase,omitempty"`
	MinorVersion string `json:"minorVersion,omitempty"`
}

func (c QuickBooksConfig) Normalized() QuickBooksConfig {
	out := c
	out.RealmID = strings.TrimSpace(out.RealmID)
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.Environment = strings.ToLower(strings.TrimSpace(out.Environment))
	if out.Environment == "" {
		out.Environment = QuickBooksEnvironmentProduction
	}
	out.MinorVersion = strings.TrimSpace(out.MinorVersion)
	if out.MinorVersion == "" {
		out.MinorVersion = "73"
	}
	out.APIBase = strings.TrimRight(strings.TrimSpace(out.APIBase), "/")
	if out.APIBase == "" {
		out.APIBase = quickBooksProductionBase
		if out.Environment == QuickBooksEnvironmentSandbox {
			out.APIBase = quickBooksSandboxBase
		}
	}
	return out
}

func (c QuickBooksConfig) CompanyURL() string {
	c = c.Normalized()
	return c.APIBase + "/v3/company/" + url.PathEscape(c.RealmID)
}

func (c QuickBooksConfig) Validate() error {
	c = c.Normalized()
	var errs []error
	if c.RealmID == "" {
		errs = append(errs, fieldError("realmId", "is required"))
	}
	if c.AccessToken == "" {
		errs = append(errs, fieldError("accessToken", "is required"))
	}
	switch c.Environment {
	case QuickBooksEnvironmentSandbox, QuickBooksEnvironmentProduction:
	default:
		errs = append(errs, fieldError("environment", "must be sandbox or production"))
	}
	if err := validateHTTPURL(c.APIBase); err != nil {
		errs = append(errs, fieldError("apiBase", err.Error()))
	}
	return errors.Join(errs...)
}

// RESTConfig describes an arbitrary JSON REST API that exposes list, create,
// and update endpoints per entity type.
type RESTConfig struct {
	BaseURL       string `json:"baseUrl"`
	APIKey        string `json:"apiKey"`
	AuthHeader    string `json:"authHeader,omitempty"`
	AuthScheme    string `json:"authScheme,omitempty"`
	HealthPath    string `json:"healthPath,omitempty"`
	CustomersPath string `json:"customersPath,omitempty"`
	ProductsPath  string `json:"productsPath,omitempty"`
	InvoicesPath  string `json:"invoicesPath,omitempty"`
	// ItemsKey names the array in list responses; empty means the body is an array.
	ItemsKey string `json:"itemsKey,omitempty"`
	IDField  string `json:"idField,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

func (c RESTConfig) Normalized() RESTConfig {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.AuthHeader = strings.TrimSpace(out.AuthHeader)
	if out.AuthHeader == "" {
		out.AuthHeader = defaultRESTAuthHeader
	}
	out.AuthScheme = strings.TrimSpace(out.AuthScheme)
	if out.AuthScheme == "" && strings.EqualFold(out.AuthHeader, defaultRESTAuthHeader) {
		out.AuthScheme = defaultRESTAuthScheme
	}
	out.HealthPath = normalizePath(out.HealthPath, "/")
	out.CustomersPath = normalizePath(out.CustomersPath, "/customers")
	out.ProductsPath = normalizePath(out.ProductsPath, "/products")
	out.InvoicesPath = normalizePath(out.InvoicesPath, "/invoices")
	out.ItemsKey = strings.TrimSpace(out.ItemsKey)
	out.IDField = strings.TrimSpace(out.IDField)
	if out.IDField == "" {
		out.IDField = "id"
	}
	if out.PageSize <= 0 {
		out.PageSize = defaultRESTPageSize
	}
	if out.PageSize > maxRESTPageSize {
		out.PageSize = maxRESTPageSize
	}
	return out
}

// PathFor returns the collection path of entityType, or "" if unsupported.
func (c RESTConfig) PathFor(entityType string) string {
	c = c.Normalized()
	switch strings.ToLower(strings.TrimSpace(entityType)) {
	case "customer":
		return c.CustomersPath
	case "product":
		return c.ProductsPath
	case "invoice":
		return c.InvoicesPath
	default:
		return ""
	}
}

func (c RESTConfig) Validate() error {
	c = c.Normalized()
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, fieldError("baseUrl", "is required"))
	} else if err := validateHTTPURL(c.BaseURL); err != nil {
		errs = append(errs, fieldError("baseUrl", err.Error()))
	}
	if c.APIKey == "" {
		errs = append(errs, fieldError("apiKey", "is required"))
	}
	if strings.ContainsAny(c.AuthHeader, " :\r\n") {
		errs = append(errs, fieldError("authHeader", "must be a single header name"))
	}
	return errors.Join(errs...)
}

func DecodeShopifyConfig(raw []byte) (ShopifyConfig, error) {
	var cfg ShopifyConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeStripeConfig(raw []byte) (StripeConfig, error) {
	var cfg StripeConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeQuickBooksConfig(raw []byte) (QuickBooksConfig, error) {
	var cfg QuickBooksConfig
	return cfg, decodeJSON(raw, &cfg)
}

func DecodeRESTConfig(raw []byte) (RESTConfig, error) {
	var cfg RESTConfig
	return cfg, decodeJSON(raw, &cfg)
}

// FromMap decodes a generic configuration object into dst via JSON.
func FromMap(m map[string]any, dst any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return decodeJSON(raw, dst)
}

func EncodeConfig(v any) ([]byte, error) {
	return json.Marshal(v)
}

func MaskSecret(secret string) string {
	s := strings.TrimSpace(secret)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	tail := s[len(s)-4:]
	prefix := ""
	if idx := strings.Index(s, "_"); idx > 0 && idx <= 6 {
		prefix = s[:idx+1]
	}
	return prefix + "****" + tail
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func normalizePath(raw, def string) string {
	p := strings.TrimSpace(raw)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("must use http or https")
	}
	return nil
}
