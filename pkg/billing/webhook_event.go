package billing

import (
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// WebhookEvent contains information about a successfully applied provider event.
// This event is passed to the WebhookCallback after the entitlement has been
// successfully updated in storage.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// EventID is the provider event id recorded in the ledger
	EventID string

	// PreviousTier is the tier before the update (empty string if new user)
	PreviousTier entitlement.Tier

	// NewTier is the tier after the update
	NewTier entitlement.Tier

	// Provider is the billing provider name ("stripe", "revenuecat")
	Provider string

	// EventType is the provider-specific event type
	// Stripe: "checkout.session.completed", "customer.subscription.updated", etc.
	// RevenueCat: "INITIAL_PURCHASE", "RENEWAL", "CANCELLATION", etc.
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time

	// UpdatedFields lists the entitlement fields written
	UpdatedFields []string

	// Diagnostic is the transformer's decision record
	Diagnostic entitlement.Diagnostic
}
