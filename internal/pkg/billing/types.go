package billing

import "github.com/inboxpilot/inboxpilot/app/models"

// Result is what a webhook delivery amounted to. Every outcome except
// failed is acknowledged to the provider.
type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

// Duplicate reports whether the delivery matched an already applied record.
func (r *Result) Duplicate() bool {
	return r != nil && r.Outcome == models.WebhookOutcomeDuplicate
}

// CurrencyTotal aggregates a user's transactions in one currency. Credits
// counts one-time purchases only.
type CurrencyTotal struct {
	Currency string `json:"currency"`
	Credits  int64  `json:"credits"`
	Total    int64  `json:"total"`
}

// Balance is the billing summary shown to a user.
type Balance struct {
	Totals             []CurrencyTotal              `json:"totals"`
	Subscriptions      []models.BillingSubscription `json:"subscriptions"`
	ActiveSubscription bool                         `json:"active_subscription"`
}
