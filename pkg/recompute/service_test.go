package recompute_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/pkg/recompute"
	"github.com/mihaimyh/quizaccess/storage/memory"
)

var testNow = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*recompute.Service, *memory.Storage) {
	t.Helper()
	store := memory.New()
	svc, err := recompute.NewService(recompute.Config{
		Store: store,
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc, store
}

func TestRecompute_PermissionDeniedReadsNothing(t *testing.T) {
	svc, store := newService(t)
	store.Put("B", map[string]interface{}{entitlement.FieldAccessTier: "free_guest"})

	_, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{UID: "B"})
	require.Error(t, err)
	assert.Equal(t, recompute.CodePermissionDenied, recompute.ErrorCode(err))
	assert.Equal(t, 0, store.Reads("B"))
	assert.Equal(t, 0, store.Writes())
}

func TestRecompute_InputErrors(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		caller *recompute.Caller
		req    recompute.Request
		want   recompute.Code
	}{
		{"no caller", nil, recompute.Request{}, recompute.CodeUnauthenticated},
		{"empty caller uid", &recompute.Caller{}, recompute.Request{}, recompute.CodeUnauthenticated},
		{"uid too long", &recompute.Caller{UID: "A", Admin: true}, recompute.Request{UID: strings.Repeat("x", 256)}, recompute.CodeInvalidArgument},
		{"uid with slash", &recompute.Caller{UID: "A", Admin: true}, recompute.Request{UID: "a/b"}, recompute.CodeInvalidArgument},
		{"missing record", &recompute.Caller{UID: "A"}, recompute.Request{}, recompute.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Recompute(context.Background(), tt.caller, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, recompute.ErrorCode(err))

			var rerr *recompute.Error
			assert.True(t, errors.As(err, &rerr))
		})
	}
}

func TestRecompute_TrialWindowFallback(t *testing.T) {
	svc, store := newService(t)
	trialEnd := testNow.Add(72 * time.Hour)
	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:              "free_guest",
		entitlement.FieldBoardReviewActive:       false,
		entitlement.FieldBoardReviewTrialEndDate: trialEnd,
		entitlement.FieldHasActiveTrial:          true,
		entitlement.FieldTrialType:               "board_review",
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)

	before := resp.BoardReview.Before
	assert.Equal(t, entitlement.EndSourceTrial, before.EndSource)
	assert.Equal(t, trialEnd.UnixMilli(), before.EffectiveEndMs)
	assert.True(t, before.FallbackActive)
	assert.True(t, before.UsedTrialFallback)

	assert.True(t, resp.Success)
	assert.True(t, resp.Updated)
	assert.Equal(t, "A", resp.UID)
	assert.Equal(t, entitlement.TierBoardReview, resp.AccessTier)
	assert.Equal(t, []string{entitlement.FieldAccessTier, entitlement.FieldBoardReviewActive}, resp.UpdatedFields)
	assert.True(t, resp.BoardReview.After.ActiveFlag)
	assert.False(t, resp.BoardReview.After.FallbackActive)
	assert.Equal(t, recompute.TrialState{HasActiveTrial: true, TrialType: "board_review"}, resp.Trial)

	doc := store.Document("A")
	assert.Equal(t, true, doc[entitlement.FieldBoardReviewActive])
	assert.Equal(t, "board_review", doc[entitlement.FieldAccessTier])
	assert.Equal(t, testNow, doc[entitlement.FieldUpdatedAt])
}

func TestRecompute_ConsistentRecordIsNotWritten(t *testing.T) {
	svc, store := newService(t)
	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:            "cme_annual",
		entitlement.FieldCMESubscriptionActive: true,
		entitlement.FieldCMEEndDate:            testNow.AddDate(1, 0, 0),
		entitlement.FieldBoardReviewActive:     true,
		entitlement.FieldBoardReviewEndDate:    testNow.AddDate(1, 0, 0),
		entitlement.FieldCMECreditsAvailable:   float64(0),
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{UID: "A"})
	require.NoError(t, err)
	assert.False(t, resp.Updated)
	assert.Empty(t, resp.UpdatedFields)
	assert.NotNil(t, resp.UpdatedFields)
	assert.Equal(t, entitlement.TierCMEAnnual, resp.AccessTier)
	assert.Equal(t, 0, store.Writes())
}

func TestRecompute_HealsExpiredTrial(t *testing.T) {
	svc, store := newService(t)
	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:            "cme_annual",
		entitlement.FieldCMESubscriptionActive: true,
		entitlement.FieldCMETrialEndDate:       testNow.Add(-24 * time.Hour),
		entitlement.FieldHasActiveTrial:        true,
		entitlement.FieldTrialType:             "cme_annual",
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFreeGuest, resp.AccessTier)
	assert.Equal(t, recompute.TrialState{}, resp.Trial)
	assert.True(t, resp.CME.Before.FallbackActive)
	assert.Equal(t, entitlement.EndSourceNone, resp.CME.After.EndSource)
	assert.False(t, resp.CME.After.ActiveFlag)

	doc := store.Document("A")
	assert.Equal(t, false, doc[entitlement.FieldCMESubscriptionActive])
	for _, field := range []string{entitlement.FieldHasActiveTrial, entitlement.FieldTrialType, entitlement.FieldCMETrialEndDate} {
		_, present := doc[field]
		assert.False(t, present, field)
	}
}

func TestRecompute_HealsExpiredCascadedTrial(t *testing.T) {
	svc, store := newService(t)
	trialEnd := testNow.Add(-24 * time.Hour)
	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:              "cme_annual",
		entitlement.FieldCMESubscriptionActive:   true,
		entitlement.FieldCMETrialEndDate:         trialEnd,
		entitlement.FieldBoardReviewActive:       true,
		entitlement.FieldBoardReviewTier:         entitlement.PlanGrantedByCMEAnnual,
		entitlement.FieldBoardReviewTrialEndDate: trialEnd,
		entitlement.FieldHasActiveTrial:          true,
		entitlement.FieldTrialType:               "cme_annual",
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)
	assert.Contains(t, resp.UpdatedFields, entitlement.FieldBoardReviewTrialEndDate)

	doc := store.Document("A")
	for _, field := range []string{
		entitlement.FieldHasActiveTrial,
		entitlement.FieldTrialType,
		entitlement.FieldCMETrialEndDate,
		entitlement.FieldBoardReviewTrialEndDate,
	} {
		_, present := doc[field]
		assert.False(t, present, field)
	}
}

func TestCorrections_KeepsStandaloneBoardTrial(t *testing.T) {
	trialEnd := testNow.Add(-time.Hour)
	u := recompute.Corrections(&entitlement.Record{
		CMETrialEndDate:         &trialEnd,
		BoardReviewTier:         "Board Review Monthly",
		BoardReviewTrialEndDate: &trialEnd,
		HasActiveTrial:          true,
		TrialType:               "cme_annual",
	}, testNow)

	assert.True(t, entitlement.IsDelete(u[entitlement.FieldCMETrialEndDate]))
	_, touched := u[entitlement.FieldBoardReviewTrialEndDate]
	assert.False(t, touched)
}

func TestRecompute_OnUpdatedRunsAfterWrite(t *testing.T) {
	store := memory.New()
	var updated []string
	svc, err := recompute.NewService(recompute.Config{
		Store:     store,
		Now:       func() time.Time { return testNow },
		OnUpdated: func(_ context.Context, uid string) { updated = append(updated, uid) },
	})
	require.NoError(t, err)

	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:          "free_guest",
		entitlement.FieldCMECreditsAvailable: float64(2),
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)
	require.True(t, resp.Updated)
	assert.Equal(t, []string{"A"}, updated)

	resp, err = svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)
	assert.False(t, resp.Updated)
	assert.Equal(t, []string{"A"}, updated, "an unchanged record is not reported")
}

func TestRecompute_AdminTargetsOtherUser(t *testing.T) {
	svc, store := newService(t)
	store.Put("B", map[string]interface{}{
		entitlement.FieldAccessTier:          "free_guest",
		entitlement.FieldCMECreditsAvailable: float64(2),
	})

	resp, err := svc.Recompute(context.Background(), &recompute.Caller{UID: "A", Admin: true}, recompute.Request{UID: " B "})
	require.NoError(t, err)
	assert.Equal(t, "B", resp.UID)
	assert.Equal(t, entitlement.TierCMECreditsOnly, resp.AccessTier)
	assert.Equal(t, []string{entitlement.FieldAccessTier}, resp.UpdatedFields)
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := recompute.NewService(recompute.Config{})
	assert.Error(t, err)
}

// recordingMetrics captures the recompute series
type recordingMetrics struct {
	billing.NoopMetrics
	outcomes    []string
	corrections []string
}

func (m *recordingMetrics) RecordRecompute(outcome string) {
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordWindowCorrection(bucket, endSource string) {
	m.corrections = append(m.corrections, bucket+"/"+endSource)
}

func TestRecompute_RecordsMetrics(t *testing.T) {
	store := memory.New()
	metrics := &recordingMetrics{}
	svc, err := recompute.NewService(recompute.Config{
		Store:   store,
		Metrics: metrics,
		Now:     func() time.Time { return testNow },
	})
	require.NoError(t, err)

	store.Put("A", map[string]interface{}{
		entitlement.FieldAccessTier:              "free_guest",
		entitlement.FieldBoardReviewActive:       false,
		entitlement.FieldBoardReviewTrialEndDate: testNow.Add(72 * time.Hour),
	})

	_, err = svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{})
	require.NoError(t, err)
	_, err = svc.Recompute(context.Background(), &recompute.Caller{UID: "A"}, recompute.Request{UID: "B"})
	require.Error(t, err)

	assert.Equal(t, []string{"updated", "permission-denied"}, metrics.outcomes)
	assert.Equal(t, []string{"board_review/trial"}, metrics.corrections)
}
