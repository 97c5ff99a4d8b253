package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creditTransform(by float64) func(*entitlement.Record) entitlement.TransformResult {
	return func(existing *entitlement.Record) entitlement.TransformResult {
		u := entitlement.Update{}
		u.Add(entitlement.FieldCMECreditsAvailable, by)
		tier := entitlement.Resolve(existing.CMESubscriptionActive, existing.BoardReviewActive, existing.CMECreditsAvailable+by)
		u.Set(entitlement.FieldAccessTier, string(tier))
		return entitlement.TransformResult{Update: u, Diagnostic: entitlement.Diagnostic{AccessTier: tier, CreditsAdded: by}}
	}
}

func TestApplier_IdempotentReplay(t *testing.T) {
	store := memory.New()
	var events []billing.WebhookEvent
	applier, err := billing.NewApplier(billing.Config{
		Store:  store,
		Ledger: store,
		WebhookCallback: func(_ context.Context, e billing.WebhookEvent) error {
			events = append(events, e)
			return nil
		},
	})
	require.NoError(t, err)

	req := billing.ApplyRequest{
		Provider:  "revenuecat",
		UserID:    "u1",
		EventID:   "evt_1",
		EventType: "NON_RENEWING_PURCHASE",
		Transform: creditTransform(3),
	}

	first, err := applier.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, entitlement.TierCMECreditsOnly, first.NewTier)
	assert.Contains(t, first.UpdatedFields, entitlement.FieldUpdatedAt)

	second, err := applier.Apply(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	rec, err := store.GetRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.CMECreditsAvailable)
	require.Len(t, store.LedgerEntries("u1"), 1)
	assert.Contains(t, store.LedgerEntries("u1")[0].DiagnosticSummary, "tier=cme_credits_only")
	assert.Len(t, events, 1)
}

func TestApplier_WithoutEventIDSkipsLedger(t *testing.T) {
	store := memory.New()
	applier, err := billing.NewApplier(billing.Config{Store: store, Ledger: store, Now: func() time.Time {
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}})
	require.NoError(t, err)

	_, err = applier.Apply(context.Background(), billing.ApplyRequest{UserID: "u1", Transform: creditTransform(1)})
	require.NoError(t, err)
	assert.Empty(t, store.LedgerEntries("u1"))

	rec, _ := store.GetRecord(context.Background(), "u1")
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), rec.UpdatedAt)
}

func TestApplier_RequiresUser(t *testing.T) {
	store := memory.New()
	applier, err := billing.NewApplier(billing.Config{Store: store, Ledger: store})
	require.NoError(t, err)

	_, err = applier.Apply(context.Background(), billing.ApplyRequest{Transform: creditTransform(1)})
	assert.True(t, errors.Is(err, billing.ErrUserNotFound))
	assert.Equal(t, 0, store.Writes())
}

func TestNewApplier_NotConfigured(t *testing.T) {
	_, err := billing.NewApplier(billing.Config{})
	assert.True(t, errors.Is(err, billing.ErrProviderNotConfigured))
}
