package billing

import (
	"context"
	"time"

	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service. All
// inserts are conditional on the unique external id.
type Repository interface {
	RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID, outcome, processingError string) error

	EnsureSubscription(ctx context.Context, sub *models.BillingSubscription) (bool, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.BillingSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, externalID, status, metadataJSON string, eventAt time.Time) (bool, error)
	ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error)

	CreateTransactionIfNotExists(ctx context.Context, txn *models.BillingTransaction) (bool, error)
	SumTransactionsByUser(ctx context.Context, userID uint) ([]CurrencyTotal, error)

	// Transaction runs fn against a repository bound to one DB transaction.
	Transaction(ctx context.Context, fn func(repo Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

// RecordWebhookEvent stores the event once; false means it was seen before.
func (r *gormRepository) RecordWebhookEvent(ctx context.Context, event *models.BillingWebhookEvent) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"outcome":          outcome,
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Updates(updates).Error
}

// EnsureSubscription inserts sub unless its external id exists and loads the
// stored row into sub either way.
func (r *gormRepository) EnsureSubscription(ctx context.Context, sub *models.BillingSubscription) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}
	created := tx.RowsAffected > 0

	// Ensure ID is populated after upsert.
	if err := r.db.WithContext(ctx).Where("external_id = ?", sub.ExternalID).First(sub).Error; err != nil {
		return false, err
	}
	return created, nil
}

func (r *gormRepository) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubscriptionStatus applies status unless a newer event was already
// applied, in which case it returns false. Unknown ids return
// gorm.ErrRecordNotFound.
func (r *gormRepository) UpdateSubscriptionStatus(ctx context.Context, externalID, status, metadataJSON string, eventAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":        status,
		"last_event_at": eventAt,
		"updated_at":    time.Now(),
	}
	if metadataJSON != "" {
		updates["metadata_json"] = metadataJSON
	}
	tx := r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("external_id = ? AND (last_event_at IS NULL OR last_event_at <= ?)", externalID, eventAt).
		Updates(updates)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	// Zero rows is either an unknown id, a stale event, or an update that
	// changed nothing.
	sub, err := r.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		return false, err
	}
	if sub.LastEventAt != nil && sub.LastEventAt.After(eventAt) {
		return false, nil
	}
	return true, nil
}

func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&subs).Error
	return subs, err
}

// CreateTransactionIfNotExists inserts txn; false means the external id was
// already recorded and nothing changed.
func (r *gormRepository) CreateTransactionIfNotExists(ctx context.Context, txn *models.BillingTransaction) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(txn)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) SumTransactionsByUser(ctx context.Context, userID uint) ([]CurrencyTotal, error) {
	var totals []CurrencyTotal
	err := r.db.WithContext(ctx).Model(&models.BillingTransaction{}).
		Select("currency, SUM(CASE WHEN kind = ? THEN amount ELSE 0 END) AS credits, SUM(amount) AS total", models.TransactionKindOneTime).
		Where("user_id = ?", userID).
		Group("currency").
		Order("currency ASC").
		Scan(&totals).Error
	return totals, err
}
