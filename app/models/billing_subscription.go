package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusUnpaid     = "unpaid"
	BillingStatusPaused     = "paused"
)

// BillingSubscription mirrors a provider subscription. ExternalID is the
// provider-assigned id and is unique. LastEventAt is the creation time of the
// newest status event applied; older events never overwrite the status.
type BillingSubscription struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"not null;index" json:"user_id"`
	ExternalID   string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_subscriptions_external" json:"external_id"`
	Status       string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	MetadataJSON string     `gorm:"type:text" json:"metadata_json"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the subscription grants paid usage.
func (s *BillingSubscription) IsEntitling() bool {
	switch s.Status {
	case BillingStatusActive, BillingStatusTrialing, BillingStatusPastDue:
		return true
	default:
		return false
	}
}
