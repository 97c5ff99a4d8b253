// Package http provides HTTP middleware that gates routes on the caller's access tier
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Policy reports whether a tier may use the route
type Policy func(tier entitlement.Tier) bool

// Config holds middleware configuration
type Config struct {
	// Store reads the caller's entitlement record (required)
	Store entitlement.RecordReader

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Allow decides access from the resolved tier (required)
	Allow Policy

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// OnForbidden is called when the tier is not allowed
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, tier entitlement.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the record cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits callers whose effective
// tier passes the policy. The tier is resolved from the record's windows on
// every request; the stored accessTier is not trusted. A user without a record
// is a free guest.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("quizaccess/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("quizaccess/http: Config.GetUserID is required")
	}
	if config.Allow == nil {
		panic("quizaccess/http: Config.Allow is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			tier := entitlement.TierFreeGuest
			record, err := config.Store.GetRecord(r.Context(), userID)
			switch {
			case err == nil:
				tier = entitlement.EffectiveTier(record, config.Now())
			case errors.Is(err, entitlement.ErrRecordNotFound):
			default:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !config.Allow(tier) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, tier)
				} else {
					http.Error(w, "Access tier "+string(tier)+" is not allowed", http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTier(r.Context(), tier)))
		})
	}
}

// HandlerFunc creates the gate middleware (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// Common policies

// RequireTiers admits exactly the listed tiers
func RequireTiers(tiers ...entitlement.Tier) Policy {
	set := make(map[entitlement.Tier]struct{}, len(tiers))
	for _, t := range tiers {
		set[t] = struct{}{}
	}
	return func(tier entitlement.Tier) bool {
		_, ok := set[tier]
		return ok
	}
}

// BoardAccess admits tiers that unlock board-review content
func BoardAccess() Policy {
	return entitlement.Tier.HasBoardAccess
}

// CMEAccess admits tiers that can claim CME credit
func CMEAccess() Policy {
	return entitlement.Tier.HasCMEAccess
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "quizaccess:userID"
	// TierKey is the context key for the resolved tier
	TierKey ContextKey = "quizaccess:tier"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithTier adds the resolved tier to request context
func WithTier(ctx context.Context, tier entitlement.Tier) context.Context {
	return context.WithValue(ctx, TierKey, tier)
}

// TierFromContext returns the tier resolved by the gate
func TierFromContext(ctx context.Context) (entitlement.Tier, bool) {
	tier, ok := ctx.Value(TierKey).(entitlement.Tier)
	return tier, ok
}
