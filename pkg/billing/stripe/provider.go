package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

const (
	providerName   = "stripe"
	maxWebhookBody = 256 << 10
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, Ledger, Catalog, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// Subscriptions overrides the Stripe API as the subscription source (tests).
	// When nil, StripeAPIKey is required.
	Subscriptions SubscriptionSource
}

// SubscriptionSource reads subscriptions from Stripe
type SubscriptionSource interface {
	Retrieve(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

// Provider implements billing.Provider for Stripe.
//
// Subscription events carry the full subscription object, which is turned into
// a one-entry snapshot for the shared transformer. Buckets not present in that
// snapshot are left alone, so state written by the mobile aggregator survives.
type Provider struct {
	store         entitlement.Store
	applier       *billing.Applier
	transformer   *entitlement.Transformer
	catalog       *entitlement.Catalog
	subscriptions SubscriptionSource
	webhookSecret string
	metrics       billing.Metrics
	logger        entitlement.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	applier, err := billing.NewApplier(config.Config)
	if err != nil {
		return nil, err
	}
	base := config.Config.WithDefaults()

	source := config.Subscriptions
	if source == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		source = &clientSource{client: stripe.NewClient(apiKey), metrics: base.Metrics}
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(base.WebhookSecret)
	}

	return &Provider{
		store:         base.Store,
		applier:       applier,
		transformer:   entitlement.NewTransformer(base.Catalog),
		catalog:       base.Catalog,
		subscriptions: source,
		webhookSecret: secret,
		metrics:       base.Metrics,
		logger:        base.Logger,
		now:           base.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// clientSource reads subscriptions through the Stripe API client
type clientSource struct {
	client  *stripe.Client
	metrics billing.Metrics
}

func (c *clientSource) Retrieve(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := c.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	c.metrics.RecordAPICallDuration(providerName, "/subscriptions/{id}", time.Since(start))
	if err != nil {
		c.metrics.RecordAPICall(providerName, "/subscriptions/{id}", "error")
		return nil, err
	}
	c.metrics.RecordAPICall(providerName, "/subscriptions/{id}", "200")
	return sub, nil
}

func (c *clientSource) ListByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	start := time.Now()
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			c.metrics.RecordAPICall(providerName, "/subscriptions", "error")
			return nil, err
		}
		subs = append(subs, sub)
	}
	c.metrics.RecordAPICall(providerName, "/subscriptions", "200")
	c.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(start))
	return subs, nil
}
