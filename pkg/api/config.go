package api

import (
	"context"
	"fmt"

	"github.com/mihaimyh/quizaccess/internal/ratelimit"
	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/pkg/recompute"
)

// Recomputer runs the recompute operation; *recompute.Service implements it
type Recomputer interface {
	Recompute(ctx context.Context, caller *recompute.Caller, req recompute.Request) (*recompute.Response, error)
}

// Provisioner creates the default record of a new account
type Provisioner interface {
	Provision(ctx context.Context, userID string) (*entitlement.Record, error)
}

// Config holds configuration for the callable handler
type Config struct {
	// Service performs the recompute (required)
	Service Recomputer

	// Verifier authenticates the bearer token of each call (required)
	Verifier recompute.TokenVerifier

	// Limiter bounds calls per caller uid, and per client IP for calls that
	// fail authentication. If nil, calls are not limited.
	Limiter *ratelimit.Limiter

	// Syncers serve the syncPurchases call, keyed by provider name.
	// Optional; with none configured every sync is rejected.
	Syncers map[string]billing.Syncer

	// Provisioner serves the provisionUser call. Optional; without one the
	// call answers UNIMPLEMENTED.
	Provisioner Provisioner

	// Logger is optional
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}
	return nil
}

// NewHandler creates a new callable handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config}, nil
}
