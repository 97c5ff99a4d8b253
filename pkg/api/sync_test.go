package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
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

type fakeSyncer struct {
	tier  entitlement.Tier
	err   error
	users []string
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID string) (entitlement.Tier, error) {
	f.users = append(f.users, userID)
	return f.tier, f.err
}

func newSyncHandler(t *testing.T, syncers map[string]billing.Syncer) (*Handler, *recompute.JWTVerifier) {
	t.Helper()
	svc, err := recompute.NewService(recompute.Config{Store: memory.New()})
	require.NoError(t, err)
	verifier, err := recompute.NewJWTVerifier([]byte("test-secret"), "")
	require.NoError(t, err)
	h, err := NewHandler(Config{Service: svc, Verifier: verifier, Syncers: syncers})
	require.NoError(t, err)
	return h, verifier
}

func callSync(t *testing.T, h *Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, SyncPath, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.Sync(w, req)
	return w
}

func TestHandler_Sync(t *testing.T) {
	syncer := &fakeSyncer{tier: entitlement.TierBoardReview}
	h, verifier := newSyncHandler(t, map[string]billing.Syncer{"stripe": syncer})
	token, err := verifier.Issue("A", false, time.Hour)
	require.NoError(t, err)

	w := callSync(t, h, token, `{"data":{"provider":"stripe"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":{"success":true,"uid":"A","provider":"stripe","accessTier":"board_review"}}`, w.Body.String())
	assert.Equal(t, []string{"A"}, syncer.users)
}

func TestHandler_SyncErrors(t *testing.T) {
	h, verifier := newSyncHandler(t, map[string]billing.Syncer{
		"stripe":  &fakeSyncer{err: fmt.Errorf("no customer: %w", billing.ErrUserNotFound)},
		"failing": &fakeSyncer{err: errors.New("api down")},
	})
	token, err := verifier.Issue("A", false, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		token      string
		body       string
		wantCode   int
		wantStatus string
	}{
		{"unauthenticated", "", `{"data":{"provider":"stripe"}}`, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"unknown provider", token, `{"data":{"provider":"paypal"}}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing provider", token, `{"data":{}}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"no purchases", token, `{"data":{"provider":"stripe"}}`, http.StatusNotFound, "NOT_FOUND"},
		{"provider failure", token, `{"data":{"provider":"failing"}}`, http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := callSync(t, h, tt.token, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), `"status":"`+tt.wantStatus+`"`)
		})
	}
}
