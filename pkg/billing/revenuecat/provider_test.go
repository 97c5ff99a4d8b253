package revenuecat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizaccess/pkg/billing"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/storage/memory"
)

const testSecret = "rc_webhook_secret"

var testNow = time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	snapshot entitlement.Snapshot
	err      error
	calls    int32
}

func (f *fakeFetcher) GetSubscriber(_ context.Context, _ string) (entitlement.Snapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.snapshot, f.err
}

func newTestProvider(t *testing.T, fetcher SubscriberFetcher, mutate ...func(*billing.Config)) (*Provider, *memory.Storage) {
	t.Helper()
	store := memory.New()
	catalog, err := entitlement.NewCatalog(
		entitlement.Product{ID: "board_monthly", Kind: entitlement.KindSubscription, Bucket: entitlement.BucketBoardReview, PlanName: "Board Review Monthly"},
		entitlement.Product{ID: "cme_annual", Kind: entitlement.KindSubscription, Bucket: entitlement.BucketCMEAnnual, PlanName: "CME Annual", GrantsOtherTier: true},
		entitlement.Product{ID: "cme_credit", Kind: entitlement.KindConsumable, UnitsPerPurchase: 1},
	)
	require.NoError(t, err)

	cfg := billing.Config{
		Store:         store,
		Ledger:        store,
		Catalog:       catalog,
		WebhookSecret: testSecret,
		APIKey:        "sk_test",
		Now:           func() time.Time { return testNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}

	p, err := NewProvider(cfg)
	require.NoError(t, err)
	if fetcher != nil {
		p.WithFetcher(fetcher)
	}
	return p, store
}

func postWebhook(t *testing.T, p *Provider, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	raw, ok := body.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/revenuecat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		headers = map[string]string{"Authorization": "Bearer " + testSecret}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)

	var resp map[string]interface{}
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	}
	return w, resp
}

func event(fields map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"api_version": "1.0", "event": fields}
}

func TestProvider_Name(t *testing.T) {
	p, _ := newTestProvider(t, &fakeFetcher{})
	assert.Equal(t, "revenuecat", p.Name())
}

func TestProvider_Webhook_CreditPurchaseIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: entitlement.Snapshot{Provider: providerName}}
	p, store := newTestProvider(t, fetcher)

	body := event(map[string]interface{}{
		"id":              "evt_credit_1",
		"type":            "NON_RENEWING_PURCHASE",
		"app_user_id":     "user-1",
		"product_id":      "cme_credit",
		"quantity":        3,
		"purchased_at_ms": testNow.UnixMilli(),
	})

	w, resp := postWebhook(t, p, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, true, resp["applied"])
	assert.Equal(t, "cme_credits_only", resp["accessTier"])

	first := store.Document("user-1")

	w, resp = postWebhook(t, p, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["duplicate"])

	rec, err := store.GetRecord(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.CMECreditsAvailable)
	assert.Equal(t, entitlement.TierCMECreditsOnly, rec.AccessTier)
	assert.Equal(t, "evt_credit_1", rec.LastRevenueCatEventID)
	assert.Equal(t, first, store.Document("user-1"), "replay must not change the record")
	assert.Len(t, store.LedgerEntries("user-1"), 1)
}

func TestProvider_Webhook_TransferWithoutDestination(t *testing.T) {
	fetcher := &fakeFetcher{}
	p, store := newTestProvider(t, fetcher)

	body := event(map[string]interface{}{
		"id":               "evt_transfer",
		"type":             "TRANSFER",
		"transferred_from": []string{"old-user"},
		"transferred_to":   []string{},
	})

	w, resp := postWebhook(t, p, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"received": true, "ignored": "transfer_without_app_user_id"}, resp)
	assert.Equal(t, 0, store.Writes())
	assert.Equal(t, int32(0), fetcher.calls)
}

func TestProvider_Webhook_TransferUsesDestination(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: entitlement.Snapshot{Subscriptions: []entitlement.SubscriptionEntry{{
		ProductID:   "board_monthly",
		PurchasedAt: timePtr(testNow.Add(-time.Hour)),
		ExpiresAt:   timePtr(testNow.AddDate(0, 1, 0)),
	}}}}
	p, store := newTestProvider(t, fetcher)

	body := event(map[string]interface{}{
		"id":               "evt_transfer_2",
		"type":             "TRANSFER",
		"app_user_id":      "old-user",
		"transferred_from": []string{"old-user"},
		"transferred_to":   []string{"$RCAnonymousID:abc", "new-user"},
	})

	w, resp := postWebhook(t, p, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "board_review", resp["accessTier"])
	assert.Nil(t, store.Document("old-user"))
	assert.Equal(t, true, store.Document("new-user")[entitlement.FieldBoardReviewActive])
}

func TestProvider_Webhook_IgnoredConditions(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
		want   string
	}{
		{
			name:   "anonymous user",
			fields: map[string]interface{}{"id": "e1", "type": "INITIAL_PURCHASE", "app_user_id": "$RCAnonymousID:123"},
			want:   IgnoredAnonymousUser,
		},
		{
			name:   "missing user",
			fields: map[string]interface{}{"id": "e2", "type": "RENEWAL"},
			want:   IgnoredMissingUser,
		},
		{
			name:   "unsupported type",
			fields: map[string]interface{}{"id": "e3", "type": "VIRTUAL_CURRENCY_TRANSACTION", "app_user_id": "u1"},
			want:   IgnoredUnsupportedType,
		},
		{
			name:   "test event",
			fields: map[string]interface{}{"id": "e4", "type": "TEST", "app_user_id": "u1"},
			want:   IgnoredTestEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{}
			p, store := newTestProvider(t, fetcher)

			w, resp := postWebhook(t, p, event(tt.fields), nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, true, resp["received"])
			assert.Equal(t, tt.want, resp["ignored"])
			assert.Equal(t, 0, store.Writes())
			assert.Equal(t, int32(0), fetcher.calls)
		})
	}
}

func TestProvider_Webhook_InvalidJSONAcknowledged(t *testing.T) {
	p, store := newTestProvider(t, &fakeFetcher{})

	w, resp := postWebhook(t, p, []byte(`{"event":`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, IgnoredInvalidPayload, resp["ignored"])
	assert.Equal(t, 0, store.Writes())
}

func TestProvider_Webhook_Verification(t *testing.T) {
	body := []byte(`{"event":{"id":"e1","type":"RENEWAL","app_user_id":"u1"}}`)

	t.Run("wrong bearer", func(t *testing.T) {
		p, store := newTestProvider(t, &fakeFetcher{})
		w, _ := postWebhook(t, p, body, map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, 0, store.Writes())
	})

	t.Run("hmac signature", func(t *testing.T) {
		p, _ := newTestProvider(t, &fakeFetcher{}, func(c *billing.Config) {
			c.WebhookSecret = ""
			c.HMACSecret = "hmac-key"
		})
		w, resp := postWebhook(t, p, body, map[string]string{"X-RevenueCat-Signature": billing.SignHMAC(body, "hmac-key")})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, resp["applied"])

		w, _ = postWebhook(t, p, body, map[string]string{"X-RevenueCat-Signature": billing.SignHMAC(body, "other")})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("no secret configured", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		p, store := newTestProvider(t, fetcher, func(c *billing.Config) { c.WebhookSecret = "" })
		w, resp := postWebhook(t, p, body, map[string]string{"Authorization": "Bearer anything"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, IgnoredNotConfigured, resp["ignored"])
		assert.Equal(t, 0, store.Writes())
		assert.Equal(t, int32(0), fetcher.calls)
	})
}

func TestProvider_Webhook_InvalidMethod(t *testing.T) {
	p, _ := newTestProvider(t, &fakeFetcher{})
	req := httptest.NewRequest(http.MethodGet, "/webhooks/revenuecat", http.NoBody)
	w := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestProvider_Webhook_BodySizeLimit(t *testing.T) {
	p, _ := newTestProvider(t, &fakeFetcher{})
	big := []byte(`{"event":{"type":"TEST","pad":"` + strings.Repeat("x", maxWebhookBody) + `"}}`)
	w, _ := postWebhook(t, p, big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestProvider_Webhook_SnapshotFailureAcknowledged(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection reset")}
	p, store := newTestProvider(t, fetcher)

	body := event(map[string]interface{}{"id": "evt_9", "type": "RENEWAL", "app_user_id": "u1"})
	w, resp := postWebhook(t, p, body, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "snapshot_fetch_failed", resp["error"])
	assert.Equal(t, 0, store.Writes())
	assert.Empty(t, store.LedgerEntries("u1"), "failed events must stay replayable")
}

func TestProvider_Webhook_CascadeFromSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: entitlement.Snapshot{Subscriptions: []entitlement.SubscriptionEntry{
		{ProductID: "cme_annual", PeriodType: "trial", PurchasedAt: timePtr(testNow), ExpiresAt: timePtr(testNow.Add(72 * time.Hour))},
		{ProductID: "unknown_sku", ExpiresAt: timePtr(testNow.AddDate(1, 0, 0))},
	}}}
	p, store := newTestProvider(t, fetcher)

	body := event(map[string]interface{}{"id": "evt_trial", "type": "INITIAL_PURCHASE", "original_app_user_id": "u7", "product_id": "cme_annual"})
	w, resp := postWebhook(t, p, body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cme_annual", resp["accessTier"])

	rec, err := store.GetRecord(context.Background(), "u7")
	require.NoError(t, err)
	assert.True(t, rec.CMESubscriptionActive)
	assert.True(t, rec.BoardReviewActive)
	assert.Equal(t, entitlement.PlanGrantedByCMEAnnual, rec.BoardReviewTier)
	assert.True(t, rec.HasActiveTrial)
	assert.Equal(t, "cme_annual", rec.TrialType)
	require.NotNil(t, rec.CMETrialEndDate)
	assert.True(t, rec.CMETrialEndDate.Equal(testNow.Add(72*time.Hour)))

	entries := store.LedgerEntries("u7")
	require.Len(t, entries, 1)
	assert.Equal(t, "INITIAL_PURCHASE", entries[0].EventType)
	assert.Contains(t, entries[0].DiagnosticSummary, "unmatched=unknown_sku")
}

func TestProvider_Webhook_EventIDFallbacks(t *testing.T) {
	p, store := newTestProvider(t, &fakeFetcher{})

	body := map[string]interface{}{
		"webhook_id": "wh_123",
		"event":      map[string]interface{}{"type": "RENEWAL", "app_user_id": "u1", "transaction_id": "tx_1"},
	}
	_, resp := postWebhook(t, p, body, nil)
	assert.Equal(t, true, resp["applied"])
	entries := store.LedgerEntries("u1")
	require.Len(t, entries, 1)
	assert.Equal(t, "wh_123", entries[0].ID)

	body = map[string]interface{}{
		"event": map[string]interface{}{"type": "RENEWAL", "app_user_id": "u2", "transaction_id": "tx_2"},
	}
	postWebhook(t, p, body, nil)
	entries = store.LedgerEntries("u2")
	require.Len(t, entries, 1)
	assert.Equal(t, "tx_2", entries[0].ID)
}

func TestProvider_SyncUser(t *testing.T) {
	fetcher := &fakeFetcher{snapshot: entitlement.Snapshot{Subscriptions: []entitlement.SubscriptionEntry{
		{ProductID: "board_monthly", PurchasedAt: timePtr(testNow), ExpiresAt: timePtr(testNow.AddDate(0, 1, 0))},
	}}}
	p, store := newTestProvider(t, fetcher)

	tier, err := p.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierBoardReview, tier)
	assert.Empty(t, store.LedgerEntries("u1"))

	fetcher.err = fmt.Errorf("%w: status 503", billing.ErrProviderAPIError)
	_, err = p.SyncUser(context.Background(), "u1")
	assert.True(t, errors.Is(err, billing.ErrProviderAPIError))
}

func TestNewProvider_RequiresStore(t *testing.T) {
	_, err := NewProvider(billing.Config{WebhookSecret: testSecret})
	assert.True(t, errors.Is(err, billing.ErrProviderNotConfigured))
}

func timePtr(t time.Time) *time.Time { return &t }
