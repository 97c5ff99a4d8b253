package entitlement

import "time"

// Window end sources reported by ResolveWindow.
const (
	EndSourceSubscription = "subscription"
	EndSourceTrial        = "trial"
	EndSourceSiblingTrial = "sibling_trial"
	EndSourceNone         = "none"
)

// Window is the resolved access window of one bucket.
// FallbackActive is the drift signal: the stored flag disagrees with the effective end.
type Window struct {
	ActiveFlag        bool   `json:"activeFlag"`
	StillActive       bool   `json:"stillActive"`
	FallbackActive    bool   `json:"fallbackActive"`
	EffectiveEndMs    int64  `json:"effectiveEndMs"`
	EndSource         string `json:"endSource"`
	UsedTrialFallback bool   `json:"usedTrialFallback"`
}

// ResolveWindow computes the effective end of a bucket's access.
//
// Priority: subscription end date, the bucket's own trial end, then the
// sibling's trial end when a cross-granting trial is recorded. Only a CME
// annual trial grants board review, so the sibling step applies to the
// board bucket alone. With no resolvable end the stored flag is taken as is.
func ResolveWindow(r *Record, bucket Bucket, now time.Time) Window {
	if r == nil {
		return Window{EndSource: EndSourceNone}
	}

	w := Window{ActiveFlag: r.Active(bucket), EndSource: EndSourceNone}

	switch {
	case positive(r.EndDate(bucket)):
		w.EffectiveEndMs = r.EndDate(bucket).UnixMilli()
		w.EndSource = EndSourceSubscription
	case positive(r.TrialEndDate(bucket)):
		w.EffectiveEndMs = r.TrialEndDate(bucket).UnixMilli()
		w.EndSource = EndSourceTrial
		w.UsedTrialFallback = true
	case grantsSiblingTrial(r, bucket) && positive(r.TrialEndDate(bucket.Sibling())):
		w.EffectiveEndMs = r.TrialEndDate(bucket.Sibling()).UnixMilli()
		w.EndSource = EndSourceSiblingTrial
		w.UsedTrialFallback = true
	}

	if w.EndSource == EndSourceNone {
		w.StillActive = w.ActiveFlag
		return w
	}

	w.StillActive = w.EffectiveEndMs > now.UnixMilli()
	w.FallbackActive = w.StillActive != w.ActiveFlag
	return w
}

func grantsSiblingTrial(r *Record, bucket Bucket) bool {
	return bucket == BucketBoardReview && r.HasActiveTrial && r.TrialType == string(BucketCMEAnnual)
}

func positive(t *time.Time) bool {
	return t != nil && !t.IsZero() && t.UnixMilli() > 0
}

// EffectiveTier resolves the tier from both buckets' windows instead of the
// stored flags, so a lapsed subscription whose flag was never cleared does not
// grant access.
func EffectiveTier(r *Record, now time.Time) Tier {
	if r == nil {
		return TierFreeGuest
	}
	return Resolve(
		ResolveWindow(r, BucketCMEAnnual, now).StillActive,
		ResolveWindow(r, BucketBoardReview, now).StillActive,
		r.CMECreditsAvailable,
	)
}
