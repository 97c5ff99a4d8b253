package entitlement

import (
	"context"
	"time"
)

// Tier is the canonical access label stored on the entitlement record
type Tier string

const (
	// TierFreeGuest has no paid access
	TierFreeGuest Tier = "free_guest"
	// TierCMECreditsOnly holds consumable CME credits but no subscription
	TierCMECreditsOnly Tier = "cme_credits_only"
	// TierBoardReview has an active board-review subscription
	TierBoardReview Tier = "board_review"
	// TierCMEAnnual has an active CME annual subscription (implies board review access)
	TierCMEAnnual Tier = "cme_annual"
)

// Bucket identifies one of the two subscription tiers a product can belong to
type Bucket string

const (
	// BucketBoardReview is the board-review subscription bucket
	BucketBoardReview Bucket = "board_review"
	// BucketCMEAnnual is the CME annual subscription bucket
	BucketCMEAnnual Bucket = "cme_annual"
)

// Sibling returns the other subscription bucket
func (b Bucket) Sibling() Bucket {
	if b == BucketCMEAnnual {
		return BucketBoardReview
	}
	return BucketCMEAnnual
}

// Plan labels written alongside the per-tier flags.
const (
	PlanGrantedByCMEAnnual = "Granted by CME Annual"
	PlanExpiredCanceled    = "Expired/Canceled"
)

// Field names of the persisted entitlement document.
const (
	FieldAccessTier = "accessTier"

	FieldBoardReviewActive        = "boardReviewActive"
	FieldBoardReviewEndDate       = "boardReviewSubscriptionEndDate"
	FieldBoardReviewTrialEndDate  = "boardReviewTrialEndDate"
	FieldBoardReviewTier          = "boardReviewTier"
	FieldBoardReviewSubscription  = "boardReviewSubscriptionId"
	FieldCMESubscriptionActive    = "cmeSubscriptionActive"
	FieldCMEEndDate               = "cmeSubscriptionEndDate"
	FieldCMETrialEndDate          = "cmeSubscriptionTrialEndDate"
	FieldCMESubscriptionPlan      = "cmeSubscriptionPlan"
	FieldCMESubscription          = "cmeSubscriptionId"
	FieldHasActiveTrial           = "hasActiveTrial"
	FieldTrialType                = "trialType"
	FieldCMECreditsAvailable      = "cmeCreditsAvailable"
	FieldCMECreditsLastPurchaseAt = "cmeCreditsLastPurchasedAt"
	FieldStripeCustomerID         = "stripeCustomerId"

	FieldLastStripeEvent         = "lastStripeEvent"
	FieldLastStripeEventType     = "lastStripeEventType"
	FieldLastRevenueCatEventID   = "lastRevenueCatEventId"
	FieldLastRevenueCatEventType = "lastRevenueCatEventType"
	FieldLastRevenueCatEventAt   = "lastRevenueCatEventAt"

	FieldUpdatedAt = "updatedAt"
	FieldCreatedAt = "createdAt"
)

// Record is the per-user entitlement document.
// AccessTier is always derived from the other fields; see Resolve.
type Record struct {
	UserID     string
	AccessTier Tier

	BoardReviewActive         bool
	BoardReviewEndDate        *time.Time
	BoardReviewTrialEndDate   *time.Time
	BoardReviewTier           string
	BoardReviewSubscriptionID string

	CMESubscriptionActive bool
	CMEEndDate            *time.Time
	CMETrialEndDate       *time.Time
	CMESubscriptionPlan   string
	CMESubscriptionID     string

	HasActiveTrial bool
	TrialType      string

	CMECreditsAvailable      float64
	CMECreditsLastPurchaseAt *time.Time

	StripeCustomerID string

	LastStripeEvent         string
	LastStripeEventType     string
	LastRevenueCatEventID   string
	LastRevenueCatEventType string
	LastRevenueCatEventAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports the stored flag for a bucket
func (r *Record) Active(b Bucket) bool {
	if b == BucketCMEAnnual {
		return r.CMESubscriptionActive
	}
	return r.BoardReviewActive
}

// EndDate returns the stored subscription end date for a bucket
func (r *Record) EndDate(b Bucket) *time.Time {
	if b == BucketCMEAnnual {
		return r.CMEEndDate
	}
	return r.BoardReviewEndDate
}

// TrialEndDate returns the stored trial end date for a bucket
func (r *Record) TrialEndDate(b Bucket) *time.Time {
	if b == BucketCMEAnnual {
		return r.CMETrialEndDate
	}
	return r.BoardReviewTrialEndDate
}

// LedgerEntry is one processed provider event. Entries are never updated.
type LedgerEntry struct {
	ID                string
	Provider          string
	EventType         string
	ProcessedAt       time.Time
	DiagnosticSummary string
}

// RecordReader is the read side used by gates and the recompute service.
type RecordReader interface {
	// GetRecord returns ErrRecordNotFound when the user has no document.
	GetRecord(ctx context.Context, userID string) (*Record, error)
}

// Store persists entitlement records with field-level merge writes.
type Store interface {
	RecordReader

	// ApplyUpdate merges the update into the user's document, creating it if missing.
	// Delete and Increment markers must be honored.
	ApplyUpdate(ctx context.Context, userID string, update Update) error

	// CreateRecord creates the document and fails with ErrRecordExists if present.
	CreateRecord(ctx context.Context, userID string, fields Update) error

	// FindUserIDByField returns the first user whose document has field == value.
	// Returns ErrRecordNotFound when nothing matches.
	FindUserIDByField(ctx context.Context, field, value string) (string, error)
}

// Ledger is the per-user append-only record of processed provider events.
// The check and the write are not transactional; a concurrent duplicate
// delivery can slip through and is tolerated because field updates are idempotent.
type Ledger interface {
	HasProcessed(ctx context.Context, userID, eventID string) (bool, error)

	// RecordProcessed appends the entry. Recording an id that already exists is a no-op.
	RecordProcessed(ctx context.Context, userID string, entry LedgerEntry) error
}
