package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// SyncUser re-derives the user's card-processor state from every subscription
// of the Stripe customer linked to the record.
func (p *Provider) SyncUser(ctx context.Context, userID string) (entitlement.Tier, error) {
	start := time.Now()
	defer func() { p.metrics.RecordUserSyncDuration(providerName, time.Since(start)) }()

	record, err := p.store.GetRecord(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		if errors.Is(err, entitlement.ErrRecordNotFound) {
			return entitlement.TierFreeGuest, billing.ErrUserNotFound
		}
		return entitlement.TierFreeGuest, err
	}
	if record.StripeCustomerID == "" {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.ResolveRecord(record), fmt.Errorf("%w: no stripe customer linked", billing.ErrUserNotFound)
	}

	subs, err := p.subscriptions.ListByCustomer(ctx, record.StripeCustomerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.ResolveRecord(record), fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	now := p.now()
	snapshot := snapshotOf(p.catalog, now, subs...)
	res, err := p.applier.Apply(ctx, billing.ApplyRequest{
		Provider:  providerName,
		UserID:    userID,
		EventType: "SYNC",
		EventTime: now,
		Transform: func(existing *entitlement.Record) entitlement.TransformResult {
			return p.transformer.Transform(entitlement.TransformInput{Snapshot: snapshot, Existing: existing, Now: now})
		},
	})
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return entitlement.ResolveRecord(record), err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return res.NewTier, nil
}
