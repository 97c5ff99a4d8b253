package main

import (
	"encoding/json"
	"net/http"
	"strings"

	httpmw "github.com/mihaimyh/quizaccess/middleware/http"
	"github.com/mihaimyh/quizaccess/pkg/entitlement"
	"github.com/mihaimyh/quizaccess/pkg/recompute"
)

const accessPath = "/access"

// accessResponse is the body of GET /access
type accessResponse struct {
	UID        string           `json:"uid"`
	AccessTier entitlement.Tier `json:"accessTier"`
}

// authenticated puts the uid of a valid bearer token on the request context.
// Requests without a valid token pass through anonymously; the gate answers 401.
func authenticated(verifier recompute.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
				if caller, err := verifier.VerifyToken(r.Context(), strings.TrimSpace(h[7:])); err == nil {
					r = r.WithContext(httpmw.WithUserID(r.Context(), caller.UID))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accessGate resolves the caller's effective tier through the cached reader
func accessGate(reader entitlement.RecordReader) func(http.Handler) http.Handler {
	return httpmw.Middleware(httpmw.Config{
		Store:     reader,
		GetUserID: httpmw.FromContext(httpmw.UserIDKey),
		Allow: httpmw.RequireTiers(
			entitlement.TierFreeGuest,
			entitlement.TierCMECreditsOnly,
			entitlement.TierBoardReview,
			entitlement.TierCMEAnnual,
		),
	})
}

func serveAccess(w http.ResponseWriter, r *http.Request) {
	uid, _ := r.Context().Value(httpmw.UserIDKey).(string)
	tier, _ := httpmw.TierFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(accessResponse{UID: uid, AccessTier: tier})
}
