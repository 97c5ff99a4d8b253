package stripe

import (
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// Metadata keys that may carry the Firebase user id.
var userIDMetadataKeys = []string{"userId", "uid", "firebaseUID", "user_id"}

// Metadata keys that may carry the purchased product on a one-off checkout.
var productMetadataKeys = []string{"productId", "priceId", "product_id", "price_id"}

// Metadata keys that name the purchased tier and plan when the price is not registered.
var (
	tierMetadataKeys = []string{"tier", "accessTier"}
	planMetadataKeys = []string{"planName", "plan_name"}
)

// subscriptionEntry converts a Stripe subscription into a snapshot entry.
//
// The product id is the first item identifier the catalog knows: price id,
// price lookup key, then product id. When none is registered, a tier named in
// the subscription metadata selects a catalog product of that tier.
// Subscriptions in a terminal status expire at their end time, or now when
// Stripe reported none.
func subscriptionEntry(sub *stripe.Subscription, catalog *entitlement.Catalog, now time.Time) entitlement.SubscriptionEntry {
	entry := entitlement.SubscriptionEntry{
		SubscriptionID:    sub.ID,
		Store:             providerName,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PurchasedAt:       unixTime(sub.StartDate),
	}

	item := matchItem(sub, catalog)
	if item != nil {
		entry.ProductID = itemProductID(item, catalog)
		entry.ExpiresAt = unixTime(item.CurrentPeriodEnd)
		if entry.PurchasedAt == nil {
			entry.PurchasedAt = unixTime(item.CurrentPeriodStart)
		}
	}
	fillFromMetadata(&entry, catalog, sub.Metadata)

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusPastDue:
	case stripe.SubscriptionStatusTrialing:
		entry.PeriodType = entitlement.PeriodTypeTrial
		entry.TrialEndsAt = unixTime(sub.TrialEnd)
	default:
		ended := unixTime(sub.EndedAt)
		if ended == nil || ended.After(now) {
			t := now.UTC()
			ended = &t
		}
		entry.ExpiresAt = ended
	}
	return entry
}

// fillFromMetadata replaces an unregistered product id with the catalog
// subscription for the tier named in metadata. Unknown tiers change nothing.
func fillFromMetadata(entry *entitlement.SubscriptionEntry, catalog *entitlement.Catalog, metadata map[string]string) {
	if _, ok := catalog.Subscription(entry.ProductID); ok {
		return
	}
	bucket := entitlement.Bucket(strings.ToLower(metadataValue(metadata, tierMetadataKeys)))
	if bucket != entitlement.BucketBoardReview && bucket != entitlement.BucketCMEAnnual {
		return
	}
	if product, ok := catalog.SubscriptionForBucket(bucket, metadataValue(metadata, planMetadataKeys)); ok {
		entry.ProductID = product.ID
	}
}

// matchItem returns the first item the catalog registers, else the first item.
func matchItem(sub *stripe.Subscription, catalog *entitlement.Catalog) *stripe.SubscriptionItem {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil
	}
	for _, item := range sub.Items.Data {
		for _, id := range priceIdentifiers(item.Price) {
			if _, ok := catalog.Subscription(id); ok {
				return item
			}
		}
	}
	return sub.Items.Data[0]
}

func itemProductID(item *stripe.SubscriptionItem, catalog *entitlement.Catalog) string {
	ids := priceIdentifiers(item.Price)
	for _, id := range ids {
		if _, ok := catalog.Subscription(id); ok {
			return id
		}
	}
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

func priceIdentifiers(price *stripe.Price) []string {
	if price == nil {
		return nil
	}
	var ids []string
	for _, id := range []string{price.ID, price.LookupKey} {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if price.Product != nil && strings.TrimSpace(price.Product.ID) != "" {
		ids = append(ids, strings.TrimSpace(price.Product.ID))
	}
	return ids
}

// snapshotOf builds a snapshot from subscriptions, ordered by id.
func snapshotOf(catalog *entitlement.Catalog, now time.Time, subs ...*stripe.Subscription) entitlement.Snapshot {
	snap := entitlement.Snapshot{Provider: providerName}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		snap.Subscriptions = append(snap.Subscriptions, subscriptionEntry(sub, catalog, now))
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool {
		return snap.Subscriptions[i].SubscriptionID < snap.Subscriptions[j].SubscriptionID
	})
	return snap
}

// mergeSubscriptions replaces the listed copy of current with the event's copy.
func mergeSubscriptions(current *stripe.Subscription, listed []*stripe.Subscription) []*stripe.Subscription {
	out := []*stripe.Subscription{current}
	for _, sub := range listed {
		if sub == nil || sub.ID == current.ID {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func metadataValue(metadata map[string]string, keys []string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
