package entitlement

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Grant is a one-time promotional grant applied at registration.
type Grant struct {
	// Credits added to cmeCreditsAvailable
	Credits float64

	// BoardReviewUntil grants board access until the given time
	BoardReviewUntil *time.Time

	// PlanName labels the granted board access
	PlanName string
}

// DefaultFields returns the field set of a freshly created record
func DefaultFields(now time.Time) Update {
	return Update{
		FieldAccessTier:            string(TierFreeGuest),
		FieldBoardReviewActive:     false,
		FieldCMESubscriptionActive: false,
		FieldCMECreditsAvailable:   float64(0),
		FieldCreatedAt:             now.UTC(),
		FieldUpdatedAt:             now.UTC(),
	}
}

// Provision creates the default free record for a new account and applies the
// optional promotional grant in the same write. It fails with ErrRecordExists
// when the user already has a record, so the grant is applied at most once.
func Provision(ctx context.Context, store Store, userID string, grant *Grant, now time.Time) (*Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if now.IsZero() {
		now = time.Now()
	}

	fields := DefaultFields(now)
	credits := 0.0
	boardActive := false

	if grant != nil {
		if grant.Credits < 0 {
			return nil, fmt.Errorf("promotional credits must be non-negative, got %g", grant.Credits)
		}
		if grant.Credits > 0 {
			credits = grant.Credits
			fields.Set(FieldCMECreditsAvailable, credits)
			fields.SetTime(FieldCMECreditsLastPurchaseAt, &now)
		}
		if grant.BoardReviewUntil != nil && grant.BoardReviewUntil.After(now) {
			boardActive = true
			plan := grant.PlanName
			if plan == "" {
				plan = "Promotional"
			}
			fields.Set(FieldBoardReviewActive, true)
			fields.Set(FieldBoardReviewTier, plan)
			fields.SetTime(FieldBoardReviewEndDate, grant.BoardReviewUntil)
		}
	}

	fields.Set(FieldAccessTier, string(Resolve(false, boardActive, credits)))

	if err := store.CreateRecord(ctx, userID, fields); err != nil {
		return nil, err
	}
	return RecordFromMap(userID, fields.ApplyTo(nil)), nil
}

// Provisioner creates records for new accounts with a fixed promotional grant.
type Provisioner struct {
	Store Store

	// Credits granted to every new record
	Credits float64

	// BoardReviewFor grants board access for this long from provisioning
	BoardReviewFor time.Duration
	PlanName       string

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Provision creates the record for userID; see the package-level Provision
func (p *Provisioner) Provision(ctx context.Context, userID string) (*Record, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	var grant *Grant
	if p.Credits > 0 || p.BoardReviewFor > 0 {
		grant = &Grant{Credits: p.Credits, PlanName: p.PlanName}
		if p.BoardReviewFor > 0 {
			until := now.Add(p.BoardReviewFor)
			grant.BoardReviewUntil = &until
		}
	}
	return Provision(ctx, p.Store, userID, grant, now)
}
