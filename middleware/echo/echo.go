// Package echo provides Echo middleware that gates routes on the caller's access tier
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// TierKey is the Echo context key holding the resolved entitlement.Tier
const TierKey = "accessTier"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Store reads the caller's entitlement record (required)
	Store entitlement.RecordReader

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Allow decides access from the resolved tier (required)
	Allow func(tier entitlement.Tier) bool

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// OnForbidden is called when the tier is not allowed
	// If nil, returns 403 JSON with the resolved tier
	OnForbidden func(c echo.Context, tier entitlement.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the record cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits callers whose effective
// tier passes cfg.Allow. The tier is stored in the context under TierKey.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Store == nil {
		panic("quizaccess/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("quizaccess/echo: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		panic("quizaccess/echo: Config.Allow is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			tier := entitlement.TierFreeGuest
			record, err := cfg.Store.GetRecord(c.Request().Context(), userID)
			switch {
			case err == nil:
				tier = entitlement.EffectiveTier(record, cfg.Now())
			case errors.Is(err, entitlement.ErrRecordNotFound):
			default:
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !cfg.Allow(tier) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, tier)
				}
				return c.JSON(http.StatusForbidden, map[string]interface{}{
					"error":      "Access tier not allowed",
					"accessTier": tier,
				})
			}

			c.Set(TierKey, tier)
			return next(c)
		}
	}
}

// TierFromContext returns the tier resolved by the gate
func TierFromContext(c echo.Context) (entitlement.Tier, bool) {
	tier, ok := c.Get(TierKey).(entitlement.Tier)
	return tier, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an earlier auth middleware via c.Set(key, uid).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
