package entitlement

import (
	"math"
	"sort"
	"time"
)

// Update is a field-level merge write against an entitlement document.
// Values are plain values, Delete, or Increment.
type Update map[string]interface{}

type deleteMarker struct{}

// Delete removes the field instead of zeroing it. Clients distinguish
// "field absent" from "field present but in the past".
var Delete interface{} = deleteMarker{}

// IsDelete reports whether v is the Delete marker
func IsDelete(v interface{}) bool {
	_, ok := v.(deleteMarker)
	return ok
}

// Increment adds By to a numeric field atomically on the store side.
type Increment struct {
	By float64
}

// Set assigns a value
func (u Update) Set(field string, value interface{}) {
	u[field] = value
}

// SetTime assigns a timestamp, or Delete when t is nil or zero.
func (u Update) SetTime(field string, t *time.Time) {
	if t == nil || t.IsZero() {
		u[field] = Delete
		return
	}
	u[field] = t.UTC()
}

// Remove marks a field for deletion
func (u Update) Remove(field string) {
	u[field] = Delete
}

// Add increments a numeric field
func (u Update) Add(field string, by float64) {
	u[field] = Increment{By: by}
}

// Fields returns the updated field names in sorted order
func (u Update) Fields() []string {
	out := make([]string, 0, len(u))
	for k := range u {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Merge copies all entries of other into u, overwriting existing keys
func (u Update) Merge(other Update) {
	for k, v := range other {
		u[k] = v
	}
}

// ApplyTo applies the update to a raw document map and returns it.
// Used by stores that hold documents as plain maps.
func (u Update) ApplyTo(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		doc = make(map[string]interface{})
	}
	for k, v := range u {
		switch val := v.(type) {
		case deleteMarker:
			delete(doc, k)
		case Increment:
			doc[k] = getFloat(doc, k) + val.By
		default:
			doc[k] = val
		}
	}
	return doc
}

// DiffAgainst drops entries that would not change the record and returns the rest.
// Increment entries are always kept.
func (u Update) DiffAgainst(r *Record) Update {
	if r == nil {
		return u
	}
	current := r.ToMap()
	out := Update{}
	for k, v := range u {
		old, present := current[k]
		switch val := v.(type) {
		case deleteMarker:
			if present {
				out[k] = v
			}
		case Increment:
			out[k] = val
		default:
			if !present || !sameValue(old, val) {
				out[k] = v
			}
		}
	}
	return out
}

func sameValue(a, b interface{}) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case float64:
		switch bv := b.(type) {
		case float64:
			return av == bv
		case int:
			return av == float64(bv)
		case int64:
			return av == float64(bv)
		}
		return false
	case Tier:
		switch bv := b.(type) {
		case Tier:
			return av == bv
		case string:
			return string(av) == bv
		}
		return false
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case Tier:
			return av == string(bv)
		}
		return false
	default:
		return a == b
	}
}

// ToMap renders the record as the persisted field map. Absent optional fields are omitted.
func (r *Record) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		FieldAccessTier:            string(r.AccessTier),
		FieldBoardReviewActive:     r.BoardReviewActive,
		FieldCMESubscriptionActive: r.CMESubscriptionActive,
		FieldCMECreditsAvailable:   r.CMECreditsAvailable,
	}
	if r.HasActiveTrial {
		m[FieldHasActiveTrial] = true
	}
	putString(m, FieldTrialType, r.TrialType)
	putString(m, FieldBoardReviewTier, r.BoardReviewTier)
	putString(m, FieldBoardReviewSubscription, r.BoardReviewSubscriptionID)
	putString(m, FieldCMESubscriptionPlan, r.CMESubscriptionPlan)
	putString(m, FieldCMESubscription, r.CMESubscriptionID)
	putString(m, FieldStripeCustomerID, r.StripeCustomerID)
	putString(m, FieldLastStripeEvent, r.LastStripeEvent)
	putString(m, FieldLastStripeEventType, r.LastStripeEventType)
	putString(m, FieldLastRevenueCatEventID, r.LastRevenueCatEventID)
	putString(m, FieldLastRevenueCatEventType, r.LastRevenueCatEventType)
	putTime(m, FieldBoardReviewEndDate, r.BoardReviewEndDate)
	putTime(m, FieldBoardReviewTrialEndDate, r.BoardReviewTrialEndDate)
	putTime(m, FieldCMEEndDate, r.CMEEndDate)
	putTime(m, FieldCMETrialEndDate, r.CMETrialEndDate)
	putTime(m, FieldCMECreditsLastPurchaseAt, r.CMECreditsLastPurchaseAt)
	putTime(m, FieldLastRevenueCatEventAt, r.LastRevenueCatEventAt)
	if !r.CreatedAt.IsZero() {
		m[FieldCreatedAt] = r.CreatedAt
	}
	if !r.UpdatedAt.IsZero() {
		m[FieldUpdatedAt] = r.UpdatedAt
	}
	return m
}

// RecordFromMap decodes a persisted field map
func RecordFromMap(userID string, data map[string]interface{}) *Record {
	return &Record{
		UserID:     userID,
		AccessTier: Tier(getString(data, FieldAccessTier)),

		BoardReviewActive:         getBool(data, FieldBoardReviewActive),
		BoardReviewEndDate:        getTimePtr(data, FieldBoardReviewEndDate),
		BoardReviewTrialEndDate:   getTimePtr(data, FieldBoardReviewTrialEndDate),
		BoardReviewTier:           getString(data, FieldBoardReviewTier),
		BoardReviewSubscriptionID: getString(data, FieldBoardReviewSubscription),

		CMESubscriptionActive: getBool(data, FieldCMESubscriptionActive),
		CMEEndDate:            getTimePtr(data, FieldCMEEndDate),
		CMETrialEndDate:       getTimePtr(data, FieldCMETrialEndDate),
		CMESubscriptionPlan:   getString(data, FieldCMESubscriptionPlan),
		CMESubscriptionID:     getString(data, FieldCMESubscription),

		HasActiveTrial: getBool(data, FieldHasActiveTrial),
		TrialType:      getString(data, FieldTrialType),

		CMECreditsAvailable:      getFloat(data, FieldCMECreditsAvailable),
		CMECreditsLastPurchaseAt: getTimePtr(data, FieldCMECreditsLastPurchaseAt),

		StripeCustomerID: getString(data, FieldStripeCustomerID),

		LastStripeEvent:         getString(data, FieldLastStripeEvent),
		LastStripeEventType:     getString(data, FieldLastStripeEventType),
		LastRevenueCatEventID:   getString(data, FieldLastRevenueCatEventID),
		LastRevenueCatEventType: getString(data, FieldLastRevenueCatEventType),
		LastRevenueCatEventAt:   getTimePtr(data, FieldLastRevenueCatEventAt),

		CreatedAt: getTime(data, FieldCreatedAt),
		UpdatedAt: getTime(data, FieldUpdatedAt),
	}
}

func putString(m map[string]interface{}, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func putTime(m map[string]interface{}, key string, t *time.Time) {
	if t != nil && !t.IsZero() {
		m[key] = t.UTC()
	}
}

// Helper functions for type conversion from stored data

func getString(data map[string]interface{}, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case Tier:
		return string(v)
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	switch v := data[key].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	t := getTime(data, key)
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
