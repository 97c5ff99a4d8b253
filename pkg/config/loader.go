package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const minJWTSecretLen = 32

// ConfigError is returned by Load to aid debugging
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Load reads the configuration from the environment after loading the given
// dotenv files. With no files, ".env" in the working directory is tried.
// Missing files are not an error.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the struct rules and the rules that span sections
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	var errs []error
	usesFirestore := c.Store.Backend == "firestore" || c.Ledger.Backend == "firestore" || c.Ledger.Backend == "tiered"
	if usesFirestore && c.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
	}
	switch c.Ledger.Backend {
	case "redis", "tiered":
		if c.Ledger.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis and tiered ledgers"))
		}
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres ledger"))
		}
	}
	if c.Auth.Mode == "jwt" && len(c.Auth.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET must be at least %d characters in jwt mode", minJWTSecretLen))
	}
	if c.Store.Backend == "memory" && c.Environment == "prod" {
		errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in prod"))
	}
	if c.Ledger.Backend == "memory" && c.Store.Backend != "memory" {
		errs = append(errs, errors.New("LEDGER_BACKEND=memory requires STORE_BACKEND=memory"))
	}
	if c.Ledger.Backend == "firestore" && c.Store.Backend != "firestore" {
		errs = append(errs, errors.New("LEDGER_BACKEND=firestore requires STORE_BACKEND=firestore"))
	}
	if c.RevenueCat.APIKey != "" && c.RevenueCat.WebhookSecret == "" && c.RevenueCat.HMACSecret == "" {
		errs = append(errs, errors.New("REVENUECAT_WEBHOOK_SECRET or REVENUECAT_HMAC_SECRET is required with REVENUECAT_API_KEY"))
	}
	if len(errs) > 0 {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     errors.Join(errs...),
		}
	}
	return nil
}
