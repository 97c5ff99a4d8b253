// Package gin provides Gin middleware that gates routes on the caller's access tier
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// TierKey is the Gin context key holding the resolved entitlement.Tier
const TierKey = "accessTier"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Store reads the caller's entitlement record (required)
	Store entitlement.RecordReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Allow decides access from the resolved tier (required),
	// e.g. entitlement.Tier.HasBoardAccess
	Allow func(tier entitlement.Tier) bool

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// OnForbidden is called when the tier is not allowed
	// If nil, returns 403 JSON with the resolved tier
	OnForbidden func(c *gongin.Context, tier entitlement.Tier)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the record cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that admits callers whose effective tier
// passes cfg.Allow. The tier is resolved from the record's windows, never from
// the stored accessTier, and is exposed to handlers under TierKey.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("quizaccess/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("quizaccess/gin: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		panic("quizaccess/gin: Config.Allow is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		tier := entitlement.TierFreeGuest
		record, err := cfg.Store.GetRecord(c.Request.Context(), userID)
		switch {
		case err == nil:
			tier = entitlement.EffectiveTier(record, cfg.Now())
		case errors.Is(err, entitlement.ErrRecordNotFound):
		default:
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !cfg.Allow(tier) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, tier)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error":      "Access tier not allowed",
					"accessTier": tier,
				})
			}
			c.Abort()
			return
		}

		c.Set(TierKey, tier)
		c.Next()
	}
}

// TierFromContext returns the tier resolved by the gate
func TierFromContext(c *gongin.Context) (entitlement.Tier, bool) {
	val, exists := c.Get(TierKey)
	if !exists {
		return "", false
	}
	tier, ok := val.(entitlement.Tier)
	return tier, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an earlier auth middleware via c.Set(key, uid).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
