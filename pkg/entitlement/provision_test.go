package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvision_DefaultRecord(t *testing.T) {
	store := memory.New()
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	rec, err := entitlement.Provision(context.Background(), store, "u1", nil, now)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFreeGuest, rec.AccessTier)
	assert.False(t, rec.BoardReviewActive)
	assert.False(t, rec.CMESubscriptionActive)
	assert.Equal(t, 0.0, rec.CMECreditsAvailable)

	stored, err := store.GetRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFreeGuest, stored.AccessTier)
	assert.Equal(t, now, stored.CreatedAt)
}

func TestProvision_PromotionalGrantOnce(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	grant := &entitlement.Grant{Credits: 2}

	rec, err := entitlement.Provision(context.Background(), store, "u1", grant, now)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierCMECreditsOnly, rec.AccessTier)
	assert.Equal(t, 2.0, rec.CMECreditsAvailable)

	_, err = entitlement.Provision(context.Background(), store, "u1", grant, now)
	assert.True(t, errors.Is(err, entitlement.ErrRecordExists))

	stored, err := store.GetRecord(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, stored.CMECreditsAvailable, "grant must not be applied twice")
}

func TestProvision_BoardGrant(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	until := now.AddDate(0, 0, 7)

	rec, err := entitlement.Provision(context.Background(), store, "u1", &entitlement.Grant{BoardReviewUntil: &until, PlanName: "Launch Promo"}, now)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierBoardReview, rec.AccessTier)
	assert.Equal(t, "Launch Promo", rec.BoardReviewTier)
}

func TestProvision_Validation(t *testing.T) {
	store := memory.New()
	_, err := entitlement.Provision(context.Background(), store, " ", nil, time.Now())
	assert.Error(t, err)
	_, err = entitlement.Provision(context.Background(), store, "u1", &entitlement.Grant{Credits: -1}, time.Now())
	assert.Error(t, err)
	assert.Equal(t, 0, store.Writes())
}

func TestProvisioner(t *testing.T) {
	store := memory.New()
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	p := &entitlement.Provisioner{
		Store:          store,
		Credits:        1,
		BoardReviewFor: 72 * time.Hour,
		PlanName:       "Welcome",
		Now:            func() time.Time { return now },
	}

	rec, err := p.Provision(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierBoardReview, rec.AccessTier)
	assert.Equal(t, 1.0, rec.CMECreditsAvailable)
	assert.Equal(t, "Welcome", rec.BoardReviewTier)
	require.NotNil(t, rec.BoardReviewEndDate)
	assert.Equal(t, now.Add(72*time.Hour), *rec.BoardReviewEndDate)

	plain := &entitlement.Provisioner{Store: store}
	rec, err = plain.Provision(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFreeGuest, rec.AccessTier)
}
