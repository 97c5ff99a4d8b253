// Package fiber provides Fiber middleware that gates routes on the caller's access tier
package fiber

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/quizaccess/pkg/entitlement"
)

// TierKey is the Locals key holding the resolved entitlement.Tier
const TierKey = "accessTier"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, tier entitlement.Tier) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the record cannot be read
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits callers whose effective
// tier passes cfg.Allow. The tier is stored in Locals under TierKey.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Store == nil {
		panic("quizaccess/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("quizaccess/fiber: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		panic("quizaccess/fiber: Config.Allow is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// Fiber runs on fasthttp; the request context comes from UserContext
		tier := entitlement.TierFreeGuest
		record, err := cfg.Store.GetRecord(c.UserContext(), userID)
		switch {
		case err == nil:
			tier = entitlement.EffectiveTier(record, cfg.Now())
		case errors.Is(err, entitlement.ErrRecordNotFound):
		default:
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !cfg.Allow(tier) {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, tier)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":      "Access tier not allowed",
				"accessTier": tier,
			})
		}

		c.Locals(TierKey, tier)
		return c.Next()
	}
}

// TierFromContext returns the tier resolved by the gate
func TierFromContext(c *fiber.Ctx) (entitlement.Tier, bool) {
	tier, ok := c.Locals(TierKey).(entitlement.Tier)
	return tier, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Locals
// set by an earlier auth middleware via c.Locals(key, uid).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
