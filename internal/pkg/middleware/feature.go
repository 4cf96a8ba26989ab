package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/inboxpilot/inboxpilot/internal/pkg/entitlements"
	icuser "github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// KeyFeature holds the *entitlements.FeatureView resolved by RequireFeature.
const KeyFeature = "FEATURE"

// RequireFeature gates a route on the entitlement of the feature named by
// the :slug parameter. Hidden features answer 404, unavailable ones 403.
func RequireFeature(features *entitlements.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := icuser.GetUserID(c)
		view, err := features.ResolveForUser(c.UserContext(), userID, c.Params("slug"))
		if err != nil {
			if errors.Is(err, entitlements.ErrFeatureNotFound) {
				return featureNotFound(c)
			}
			fiberlog.Errorf("require feature: user %d: %v", userID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_server_error",
				"message": "failed to resolve feature",
			})
		}
		if !view.Entitlement.Visible {
			return featureNotFound(c)
		}
		if !view.Entitlement.Available {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":   "feature_unavailable",
				"message": "feature is not available for this account",
			})
		}
		c.Locals(KeyFeature, view)
		return c.Next()
	}
}

func featureNotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":   "not_found",
		"message": "feature not found",
	})
}
