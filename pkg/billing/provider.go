package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Provider is the interface every payment provider webhook integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, parsing and entitlement writes internally.
	WebhookHandler() http.Handler
}

// Syncer is implemented by providers that can pull a user's current state on demand.
// This is used for "Restore Purchases" flows.
type Syncer interface {
	// SyncUser re-applies the provider's current state for the user and returns the resulting tier.
	SyncUser(ctx context.Context, userID string) (entitlement.Tier, error)
}
