package entitlement

// Resolve maps the active flags and credit balance to the canonical access tier.
// Every caller (webhooks, recompute, gates) goes through this function.
func Resolve(cmeAnnualActive, boardReviewActive bool, creditsAvailable float64) Tier {
	switch {
	case cmeAnnualActive:
		return TierCMEAnnual
	case boardReviewActive:
		return TierBoardReview
	case creditsAvailable > 0:
		return TierCMECreditsOnly
	default:
		return TierFreeGuest
	}
}

// ResolveRecord resolves the tier from a record's stored fields, ignoring its accessTier.
func ResolveRecord(r *Record) Tier {
	if r == nil {
		return TierFreeGuest
	}
	return Resolve(r.CMESubscriptionActive, r.BoardReviewActive, r.CMECreditsAvailable)
}

// Valid reports whether t is one of the four canonical tiers
func (t Tier) Valid() bool {
	switch t {
	case TierFreeGuest, TierCMECreditsOnly, TierBoardReview, TierCMEAnnual:
		return true
	}
	return false
}

// HasBoardAccess reports whether the tier unlocks board-review content
func (t Tier) HasBoardAccess() bool {
	return t == TierBoardReview || t == TierCMEAnnual
}

// HasCMEAccess reports whether the tier can claim CME credit
func (t Tier) HasCMEAccess() bool {
	return t == TierCMEAnnual || t == TierCMECreditsOnly
}
