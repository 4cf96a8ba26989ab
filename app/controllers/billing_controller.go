package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/inboxpilot/inboxpilot/internal/pkg/billing"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// BillingController receives Stripe deliveries and reports balances.
type BillingController struct {
	billing *billing.Service
}

// NewBillingController creates a new billing controller
func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{billing: svc}
}

// HandleStripeWebhook answers 200 for every delivery that was verified and
// settled, including duplicates and ignored events, so Stripe stops
// retrying. Storage failures answer 500 and Stripe redelivers.
func (bc *BillingController) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := bc.billing.HandleWebhook(ctx, payload, signature)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrSignatureInvalid):
			fiberlog.Warnf("stripe webhook: %v", err)
			return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "signature verification failed")
		case errors.Is(err, billing.ErrInvalidEvent):
			return jsonError(c, fiber.StatusBadRequest, "invalid_payload", "event could not be decoded")
		default:
			return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed", "event could not be stored")
		}
	}

	return c.JSON(fiber.Map{
		"ok":        true,
		"event_id":  result.EventID,
		"outcome":   result.Outcome,
		"duplicate": result.Duplicate(),
	})
}

// HandleBalance returns the current user's payment totals and subscriptions.
func (bc *BillingController) HandleBalance(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	balance, err := bc.billing.Balance(c.UserContext(), userID)
	if err != nil {
		fiberlog.Errorf("billing balance: user %d: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load balance")
	}
	return c.JSON(balance)
}
