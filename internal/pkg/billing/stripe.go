package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultSignatureTolerance matches Stripe's recommended replay window.
const DefaultSignatureTolerance = webhook.DefaultTolerance

var (
	// ErrSignatureInvalid means the delivery did not come from Stripe or is
	// too old. Nothing is written for such deliveries.
	ErrSignatureInvalid = errors.New("billing: webhook signature invalid")
	// ErrInvalidEvent means the signed payload could not be understood.
	ErrInvalidEvent = errors.New("billing: invalid webhook event")
)

// VerifyStripeEvent checks the Stripe-Signature header against the endpoint
// secret and decodes the event.
func VerifyStripeEvent(payload []byte, signatureHeader, secret string, tolerance time.Duration) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		default:
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	if event.ID == "" || event.Data == nil || len(event.Data.Raw) == 0 {
		return stripe.Event{}, fmt.Errorf("%w: missing id or data", ErrInvalidEvent)
	}
	return event, nil
}
