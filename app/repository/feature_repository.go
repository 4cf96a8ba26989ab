package repository

import (
	"context"

	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// featureRepository implements the FeatureRepository interface
type featureRepository struct {
	db *gorm.DB
}

// NewFeatureRepository creates a new feature repository instance
func NewFeatureRepository(db *gorm.DB) FeatureRepository {
	return &featureRepository{db: db}
}

func (r *featureRepository) GetBySlug(ctx context.Context, slug string) (*models.Feature, error) {
	var feature models.Feature
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&feature).Error
	if err != nil {
		return nil, err
	}
	return &feature, nil
}

func (r *featureRepository) List(ctx context.Context) ([]models.Feature, error) {
	var features []models.Feature
	err := r.db.WithContext(ctx).Order("slug ASC").Find(&features).Error
	return features, err
}

// Upsert creates or updates a feature keyed by slug
func (r *featureRepository) Upsert(ctx context.Context, feature *models.Feature) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"description",
			"generally_visible",
			"generally_available",
			"requires_gmail",
			"updated_at",
		}),
	}).Create(feature).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Where("slug = ?", feature.Slug).First(feature).Error
}

// Delete removes a feature together with its overrides and activations
func (r *featureRepository) Delete(ctx context.Context, featureID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("feature_id = ?", featureID).Delete(&models.FeatureOverride{}).Error; err != nil {
			return err
		}
		if err := tx.Where("feature_id = ?", featureID).Delete(&models.FeatureActivation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Feature{}, featureID).Error
	})
}

// GetOverride returns the override for (user, feature) or gorm.ErrRecordNotFound
func (r *featureRepository) GetOverride(ctx context.Context, userID, featureID uint) (*models.FeatureOverride, error) {
	var override models.FeatureOverride
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND feature_id = ?", userID, featureID).
		First(&override).Error
	if err != nil {
		return nil, err
	}
	return &override, nil
}

func (r *featureRepository) ListOverridesByUser(ctx context.Context, userID uint) ([]models.FeatureOverride, error) {
	var overrides []models.FeatureOverride
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&overrides).Error
	return overrides, err
}

// UpsertOverride replaces both override fields; nil stores NULL
func (r *featureRepository) UpsertOverride(ctx context.Context, override *models.FeatureOverride) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "feature_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"visible":    override.Visible,
			"available":  override.Available,
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(override).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("user_id = ? AND feature_id = ?", override.UserID, override.FeatureID).
		First(override).Error
}

func (r *featureRepository) DeleteOverride(ctx context.Context, userID, featureID uint) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND feature_id = ?", userID, featureID).
		Delete(&models.FeatureOverride{}).Error
}

func (r *featureRepository) ListActivationsByUser(ctx context.Context, userID uint) ([]models.FeatureActivation, error) {
	var activations []models.FeatureActivation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&activations).Error
	return activations, err
}

func (r *featureRepository) CreateActivation(ctx context.Context, userID, featureID uint) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "feature_id"}},
		DoNothing: true,
	}).Create(&models.FeatureActivation{UserID: userID, FeatureID: featureID}).Error
}

func (r *featureRepository) DeleteActivation(ctx context.Context, userID, featureID uint) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND feature_id = ?", userID, featureID).
		Delete(&models.FeatureActivation{}).Error
}
