package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store holds the per-user entitlement documents. Required.
	Store entitlement.Store

	// Ledger records processed provider event ids. Required.
	Ledger entitlement.Ledger

	// Catalog maps provider product and price ids to tiers and consumables.
	// If nil, entitlement.DefaultCatalog() is used.
	Catalog *entitlement.Catalog

	// WebhookSecret is used to verify incoming webhook requests (RevenueCat
	// Authorization bearer token, Stripe endpoint signing secret).
	WebhookSecret string

	// HMACSecret enables HMAC-SHA256 body signatures (RevenueCat X-RevenueCat-Signature).
	// Either WebhookSecret or HMACSecret must be configured or every request is rejected.
	HMACSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// BaseURL overrides the provider API base URL (tests, proxies).
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with the provider's timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(reg, namespace) for Prometheus metrics.
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger entitlement.Logger

	// WebhookCallback is invoked after an event has been applied to storage.
	// Errors are logged and never change the webhook response.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Validate checks the required collaborators
func (c *Config) Validate() error {
	if c.Store == nil || c.Ledger == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

// WithDefaults returns a copy with optional fields filled in
func (c Config) WithDefaults() Config {
	if c.Catalog == nil {
		c.Catalog = entitlement.DefaultCatalog()
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
