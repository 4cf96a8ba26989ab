package models

import "time"

const (
	TransactionKindOneTime      = "one_time"
	TransactionKindSubscription = "subscription"
	TransactionKindInvoice      = "invoice"
)

// BillingTransaction is an immutable payment record. ExternalID holds the
// checkout session or invoice id and doubles as the dedup key. SubscriptionID
// is a weak reference: deleting the subscription nulls it out.
type BillingTransaction struct {
	ID             uint                 `gorm:"primaryKey" json:"id"`
	UserID         uint                 `gorm:"not null;index" json:"user_id"`
	Amount         int64                `gorm:"not null" json:"amount"`
	Currency       string               `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	Kind           string               `gorm:"type:varchar(20);not null" json:"kind"`
	ExternalID     string               `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_transactions_external" json:"external_id"`
	SubscriptionID *uint                `gorm:"index" json:"subscription_id,omitempty"`
	Subscription   *BillingSubscription `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	MetadataJSON   string               `gorm:"type:text" json:"metadata_json,omitempty"`
	CreatedAt      time.Time            `gorm:"autoCreateTime" json:"created_at"`
}
