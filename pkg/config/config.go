// Package config defines the process configuration of the access service.
//
// Values come from the environment, optionally seeded from a .env file.
// Environment variables always win over the file.
package config

import "time"

// Config is the top-level service configuration
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server     ServerConfig
	Store      StoreConfig
	Firestore  FirestoreConfig
	Ledger     LedgerConfig
	Stripe     StripeConfig
	RevenueCat RevenueCatConfig
	Auth       AuthConfig
	Catalog    CatalogConfig
	Metrics    MetricsConfig
	RateLimit  RateLimitConfig
	Promo      PromoConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port              string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"10s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// StoreConfig selects the entitlement document store
type StoreConfig struct {
	Backend string `envconfig:"STORE_BACKEND" default:"firestore" validate:"oneof=firestore memory"`
}

// FirestoreConfig holds Firestore settings. FIRESTORE_EMULATOR_HOST is read by the client library.
type FirestoreConfig struct {
	ProjectID        string `envconfig:"FIRESTORE_PROJECT_ID"`
	UsersCollection  string `envconfig:"FIRESTORE_USERS_COLLECTION" default:"users" validate:"required"`
	EventsCollection string `envconfig:"FIRESTORE_EVENTS_COLLECTION" default:"entitlementEvents" validate:"required"`
}

// LedgerConfig selects where processed event ids are recorded
type LedgerConfig struct {
	Backend     string        `envconfig:"LEDGER_BACKEND" default:"firestore" validate:"oneof=firestore redis postgres tiered memory"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	PostgresDSN string        `envconfig:"POSTGRES_DSN"`
	HotTTL      time.Duration `envconfig:"LEDGER_HOT_TTL" default:"72h"`
}

// StripeConfig holds card-processor credentials. The Stripe webhook is
// disabled when SecretKey is empty.
type StripeConfig struct {
	SecretKey     string `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required_with=SecretKey"`
}

// RevenueCatConfig holds aggregator credentials
type RevenueCatConfig struct {
	APIKey        string `envconfig:"REVENUECAT_API_KEY"`
	WebhookSecret string `envconfig:"REVENUECAT_WEBHOOK_SECRET"`
	HMACSecret    string `envconfig:"REVENUECAT_HMAC_SECRET"`
	BaseURL       string `envconfig:"REVENUECAT_BASE_URL" default:"https://api.revenuecat.com/v1" validate:"url"`
}

// AuthConfig selects how recompute callers are authenticated
type AuthConfig struct {
	Mode       string `envconfig:"AUTH_MODE" default:"firebase" validate:"oneof=firebase jwt"`
	JWTSecret  string `envconfig:"AUTH_JWT_SECRET"`
	JWTIssuer  string `envconfig:"AUTH_JWT_ISSUER"`
	AdminClaim string `envconfig:"AUTH_ADMIN_CLAIM" default:"admin" validate:"required"`
}

// CatalogConfig points at an optional product catalog file
type CatalogConfig struct {
	Path string `envconfig:"CATALOG_PATH"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"quizaccess" validate:"required"`
}

// RateLimitConfig bounds recompute calls per caller
type RateLimitConfig struct {
	Requests int           `envconfig:"RECOMPUTE_RATE_LIMIT" default:"30" validate:"gte=0"`
	Window   time.Duration `envconfig:"RECOMPUTE_RATE_WINDOW" default:"1m"`
}

// PromoConfig is the one-time grant applied when a new account is provisioned.
// Zero values grant nothing.
type PromoConfig struct {
	Credits         float64       `envconfig:"PROMO_CREDITS" default:"0" validate:"gte=0"`
	BoardReviewFor  time.Duration `envconfig:"PROMO_BOARD_REVIEW_FOR" default:"0s" validate:"gte=0"`
	BoardReviewPlan string        `envconfig:"PROMO_BOARD_REVIEW_PLAN" default:"Promotional"`
}

// ConfigErrorType categorizes configuration loading failures
type ConfigErrorType string

const (
	// ErrParsing indicates an environment value could not be parsed into its field.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)
