package entitlement

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Period types that mark a subscription entry as trialing.
const PeriodTypeTrial = "trial"

var purchaseTypes = map[string]bool{
	"INITIAL_PURCHASE":           true,
	"NON_RENEWING_PURCHASE":      true,
	"checkout.session.completed": true,
}

// IsPurchaseType reports whether an event type can grant consumable credits
func IsPurchaseType(eventType string) bool {
	return purchaseTypes[eventType]
}

// SubscriptionEntry is one provider subscription in a subscriber snapshot.
type SubscriptionEntry struct {
	ProductID      string
	SubscriptionID string
	Store          string
	PeriodType     string

	PurchasedAt *time.Time
	ExpiresAt   *time.Time
	TrialEndsAt *time.Time

	// Set when the subscriber turned off auto-renew; access continues until ExpiresAt.
	UnsubscribeDetectedAt *time.Time
	CancelAtPeriodEnd     bool
}

// Snapshot is the current subscription state of a subscriber at one provider.
type Snapshot struct {
	Provider      string
	Subscriptions []SubscriptionEntry
}

// PurchaseEvent carries the fields of the triggering event the transformer reads.
// Quantity is zero when the payload carried none.
type PurchaseEvent struct {
	ID          string
	Type        string
	ProductID   string
	Quantity    int
	PurchasedAt *time.Time
}

// TransformInput is the input of Transform
type TransformInput struct {
	Snapshot Snapshot
	Event    PurchaseEvent
	Existing *Record
	Now      time.Time
}

// Evaluation is a catalog-matched subscription normalized for tier selection.
type Evaluation struct {
	ProductID         string `json:"productId"`
	SubscriptionID    string `json:"subscriptionId,omitempty"`
	Bucket            Bucket `json:"bucket"`
	PlanName          string `json:"planName,omitempty"`
	GrantsOtherTier   bool   `json:"grantsOtherTier,omitempty"`
	IsActive          bool   `json:"isActive"`
	IsTrialing        bool   `json:"isTrialing"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd"`
	ExpirationMs      int64  `json:"expirationMs"`
	StartMs           int64  `json:"startMs"`
	TrialEndMs        int64  `json:"trialEndMs"`
}

// Diagnostic describes what a transform decided
type Diagnostic struct {
	CreditsAdded      float64     `json:"creditsAdded,omitempty"`
	CreditProductID   string      `json:"creditProductId,omitempty"`
	BoardReview       *Evaluation `json:"boardReview,omitempty"`
	CMEAnnual         *Evaluation `json:"cmeAnnual,omitempty"`
	CascadeGranted    bool        `json:"cascadeGranted,omitempty"`
	BoardCleared      bool        `json:"boardCleared,omitempty"`
	BoardPreserved    bool        `json:"boardPreserved,omitempty"`
	TrialType         string      `json:"trialType,omitempty"`
	AccessTier        Tier        `json:"accessTier"`
	UnmatchedProducts []string    `json:"unmatchedProducts,omitempty"`
}

// Summary renders the diagnostic as a single line for ledger entries and logs
func (d Diagnostic) Summary() string {
	parts := []string{"tier=" + string(d.AccessTier)}
	if d.CreditsAdded > 0 {
		parts = append(parts, fmt.Sprintf("credits+%g(%s)", d.CreditsAdded, d.CreditProductID))
	}
	if d.CMEAnnual != nil {
		parts = append(parts, fmt.Sprintf("cme=%s active=%t trial=%t", d.CMEAnnual.ProductID, d.CMEAnnual.IsActive, d.CMEAnnual.IsTrialing))
	}
	if d.BoardReview != nil {
		parts = append(parts, fmt.Sprintf("board=%s active=%t trial=%t", d.BoardReview.ProductID, d.BoardReview.IsActive, d.BoardReview.IsTrialing))
	}
	switch {
	case d.CascadeGranted:
		parts = append(parts, "cascade=granted")
	case d.BoardCleared:
		parts = append(parts, "cascade=cleared")
	case d.BoardPreserved:
		parts = append(parts, "cascade=preserved")
	}
	if d.TrialType != "" {
		parts = append(parts, "trial="+d.TrialType)
	}
	if len(d.UnmatchedProducts) > 0 {
		parts = append(parts, "unmatched="+strings.Join(d.UnmatchedProducts, ","))
	}
	return strings.Join(parts, " ")
}

// TransformResult is the output of Transform
type TransformResult struct {
	Update     Update
	Diagnostic Diagnostic
}

// Transformer converts a provider snapshot plus the existing record into field updates.
type Transformer struct {
	catalog *Catalog
}

// NewTransformer creates a transformer over the given catalog
func NewTransformer(catalog *Catalog) *Transformer {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Transformer{catalog: catalog}
}

// Catalog returns the product catalog used by the transformer
func (t *Transformer) Catalog() *Catalog {
	return t.catalog
}

// Transform computes the field updates for one event. It performs no I/O.
//
// A bucket's fields are only written when the snapshot holds a catalog-matched
// subscription for it, so one provider never clobbers state owned by the other.
// The one exception is clearing cascaded board access once the CME annual
// subscription that granted it has lapsed. An inactive board subscription does
// not clear board access cascaded from an active CME annual subscription the
// snapshot does not hold. Trial flags are deleted when nothing trials, unless
// the record holds a running trial in a bucket this snapshot did not match.
func (t *Transformer) Transform(in TransformInput) TransformResult {
	existing := in.Existing
	if existing == nil {
		existing = &Record{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	u := Update{}
	var diag Diagnostic

	var increment float64
	if product, ok := t.catalog.Consumable(in.Event.ProductID); ok && IsPurchaseType(in.Event.Type) {
		increment = product.Credits(in.Event.Quantity)
		u.Add(FieldCMECreditsAvailable, increment)
		purchasedAt := now
		if in.Event.PurchasedAt != nil && !in.Event.PurchasedAt.IsZero() {
			purchasedAt = *in.Event.PurchasedAt
		}
		u.SetTime(FieldCMECreditsLastPurchaseAt, &purchasedAt)
		diag.CreditsAdded = increment
		diag.CreditProductID = product.ID
	}

	board, cme, unmatched := t.selectWinners(in.Snapshot, now)
	diag.BoardReview = board
	diag.CMEAnnual = cme
	diag.UnmatchedProducts = unmatched

	boardActive := existing.BoardReviewActive
	cmeActive := existing.CMESubscriptionActive

	if cme != nil {
		cmeActive = cme.IsActive
		writeCME(u, cme)
	}

	switch {
	case board != nil:
		boardActive = board.IsActive
		writeBoard(u, board)
		if board.IsActive {
			break
		}
		granting := cme
		if granting == nil {
			granting = storedCME(existing, now)
		}
		if granting != nil && granting.IsActive && granting.GrantsOtherTier {
			boardActive = true
			writeCascade(u, granting)
			diag.CascadeGranted = true
		}
	case cme != nil && cme.IsActive && cme.GrantsOtherTier:
		boardActive = true
		writeCascade(u, cme)
		diag.CascadeGranted = true
	case cme != nil && !cme.IsActive:
		if ownsStandaloneBoard(existing, in.Snapshot) {
			diag.BoardPreserved = true
			break
		}
		boardActive = false
		u.Set(FieldBoardReviewActive, false)
		u.Set(FieldBoardReviewTier, PlanExpiredCanceled)
		u.Remove(FieldBoardReviewEndDate)
		u.Remove(FieldBoardReviewTrialEndDate)
		u.Remove(FieldBoardReviewSubscription)
		diag.BoardCleared = true
	}

	if board != nil || cme != nil || len(in.Snapshot.Subscriptions) > 0 {
		switch {
		case cme != nil && cme.IsTrialing && cme.TrialEndMs > 0:
			u.Set(FieldHasActiveTrial, true)
			u.Set(FieldTrialType, string(BucketCMEAnnual))
			diag.TrialType = string(BucketCMEAnnual)
		case board != nil && board.IsTrialing && board.TrialEndMs > 0:
			u.Set(FieldHasActiveTrial, true)
			u.Set(FieldTrialType, string(BucketBoardReview))
			diag.TrialType = string(BucketBoardReview)
		case storedTrialElsewhere(existing, board, cme, now):
			diag.TrialType = existing.TrialType
		default:
			u.Remove(FieldHasActiveTrial)
			u.Remove(FieldTrialType)
		}
	}

	tier := Resolve(cmeActive, boardActive, existing.CMECreditsAvailable+increment)
	u.Set(FieldAccessTier, string(tier))
	diag.AccessTier = tier

	return TransformResult{Update: u, Diagnostic: diag}
}

// Evaluate normalizes a single snapshot entry against the catalog.
// It returns false when the product is not a registered subscription.
func (t *Transformer) Evaluate(entry SubscriptionEntry, now time.Time) (*Evaluation, bool) {
	product, ok := t.catalog.Subscription(entry.ProductID)
	if !ok {
		return nil, false
	}

	nowMs := now.UnixMilli()
	e := &Evaluation{
		ProductID:         entry.ProductID,
		SubscriptionID:    entry.SubscriptionID,
		Bucket:            product.Bucket,
		PlanName:          product.PlanName,
		GrantsOtherTier:   product.GrantsOtherTier,
		CancelAtPeriodEnd: entry.CancelAtPeriodEnd || entry.UnsubscribeDetectedAt != nil,
		ExpirationMs:      millis(entry.ExpiresAt),
		StartMs:           millis(entry.PurchasedAt),
		TrialEndMs:        millis(entry.TrialEndsAt),
	}
	if e.PlanName == "" {
		e.PlanName = product.ID
	}

	if strings.EqualFold(entry.PeriodType, PeriodTypeTrial) {
		if e.TrialEndMs > 0 {
			e.IsTrialing = e.TrialEndMs > nowMs
		} else {
			e.IsTrialing = e.ExpirationMs > nowMs
			if e.IsTrialing {
				e.TrialEndMs = e.ExpirationMs
			}
		}
	}
	e.IsActive = e.IsTrialing || (e.ExpirationMs > 0 && e.ExpirationMs > nowMs)
	return e, true
}

func (t *Transformer) selectWinners(s Snapshot, now time.Time) (board, cme *Evaluation, unmatched []string) {
	for _, entry := range s.Subscriptions {
		e, ok := t.Evaluate(entry, now)
		if !ok {
			unmatched = append(unmatched, entry.ProductID)
			continue
		}
		switch e.Bucket {
		case BucketBoardReview:
			board = prefer(board, e)
		case BucketCMEAnnual:
			cme = prefer(cme, e)
		}
	}
	sort.Strings(unmatched)
	return board, cme, unmatched
}

// prefer picks between the current winner and a candidate: active or
// trialing first, then the later expiration, then the later start.
func prefer(current, candidate *Evaluation) *Evaluation {
	if current == nil {
		return candidate
	}
	if current.IsActive != candidate.IsActive {
		if candidate.IsActive {
			return candidate
		}
		return current
	}
	if current.ExpirationMs != candidate.ExpirationMs {
		if candidate.ExpirationMs > current.ExpirationMs {
			return candidate
		}
		return current
	}
	if candidate.StartMs > current.StartMs {
		return candidate
	}
	return current
}

func writeCME(u Update, e *Evaluation) {
	u.Set(FieldCMESubscriptionActive, e.IsActive)
	u.Set(FieldCMESubscriptionPlan, e.PlanName)
	u.SetTime(FieldCMEEndDate, fromMillis(e.ExpirationMs))
	if e.IsTrialing {
		u.SetTime(FieldCMETrialEndDate, fromMillis(e.TrialEndMs))
	} else {
		u.Remove(FieldCMETrialEndDate)
	}
	if e.SubscriptionID != "" {
		u.Set(FieldCMESubscription, e.SubscriptionID)
	}
}

func writeBoard(u Update, e *Evaluation) {
	u.Set(FieldBoardReviewActive, e.IsActive)
	u.Set(FieldBoardReviewTier, e.PlanName)
	u.SetTime(FieldBoardReviewEndDate, fromMillis(e.ExpirationMs))
	if e.IsTrialing {
		u.SetTime(FieldBoardReviewTrialEndDate, fromMillis(e.TrialEndMs))
	} else {
		u.Remove(FieldBoardReviewTrialEndDate)
	}
	if e.SubscriptionID != "" {
		u.Set(FieldBoardReviewSubscription, e.SubscriptionID)
	}
}

// writeCascade grants board access as a side effect of an active CME annual subscription.
func writeCascade(u Update, cme *Evaluation) {
	u.Set(FieldBoardReviewActive, true)
	u.Set(FieldBoardReviewTier, PlanGrantedByCMEAnnual)
	u.SetTime(FieldBoardReviewEndDate, fromMillis(cme.ExpirationMs))
	if cme.IsTrialing {
		u.SetTime(FieldBoardReviewTrialEndDate, fromMillis(cme.TrialEndMs))
	} else {
		u.Remove(FieldBoardReviewTrialEndDate)
	}
	u.Remove(FieldBoardReviewSubscription)
}

// ownsStandaloneBoard reports whether the existing board access comes from its own
// subscription that this snapshot knows nothing about (for example one held at the
// other provider). Such access is left alone when clearing a lapsed cascade.
func ownsStandaloneBoard(r *Record, s Snapshot) bool {
	if !r.BoardReviewActive || r.BoardReviewSubscriptionID == "" || r.BoardReviewTier == PlanGrantedByCMEAnnual {
		return false
	}
	for _, entry := range s.Subscriptions {
		if entry.SubscriptionID == r.BoardReviewSubscriptionID {
			return false
		}
	}
	return true
}

// storedCME rebuilds the CME annual subscription recorded on r, typically
// written by the other provider. It returns nil when r holds no active one.
func storedCME(r *Record, now time.Time) *Evaluation {
	if !r.CMESubscriptionActive {
		return nil
	}
	nowMs := now.UnixMilli()
	e := &Evaluation{
		ProductID:       r.CMESubscriptionPlan,
		SubscriptionID:  r.CMESubscriptionID,
		Bucket:          BucketCMEAnnual,
		PlanName:        r.CMESubscriptionPlan,
		GrantsOtherTier: true,
		ExpirationMs:    millis(r.CMEEndDate),
		TrialEndMs:      millis(r.CMETrialEndDate),
	}
	e.IsTrialing = e.TrialEndMs > nowMs
	e.IsActive = e.IsTrialing || e.ExpirationMs == 0 || e.ExpirationMs > nowMs
	if !e.IsActive {
		return nil
	}
	return e
}

// storedTrialElsewhere reports whether r records a running trial in a bucket
// the snapshot had no matched subscription for.
func storedTrialElsewhere(r *Record, board, cme *Evaluation, now time.Time) bool {
	if !r.HasActiveTrial {
		return false
	}
	switch Bucket(r.TrialType) {
	case BucketCMEAnnual:
		return cme == nil && r.CMETrialEndDate != nil && r.CMETrialEndDate.After(now)
	case BucketBoardReview:
		return board == nil && r.BoardReviewTrialEndDate != nil && r.BoardReviewTrialEndDate.After(now)
	}
	return false
}

func millis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
