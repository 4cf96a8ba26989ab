package repository

import (
	"context"
	"time"

	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// credentialRepository implements the CredentialRepository interface
type credentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a new credential repository instance
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

// GetByUserID returns the stored grant or gorm.ErrRecordNotFound
func (r *credentialRepository) GetByUserID(ctx context.Context, userID uint) (*models.GoogleCredential, error) {
	var cred models.GoogleCredential
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cred).Error
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// Upsert creates or replaces the grant of cred.UserID
func (r *credentialRepository) Upsert(ctx context.Context, cred *models.GoogleCredential) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"account_email",
			"access_token",
			"refresh_token",
			"expires_at",
			"scopes",
			"updated_at",
		}),
	}).Create(cred).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).Where("user_id = ?", cred.UserID).First(cred).Error
}

// UpdateTokens writes a refreshed access token and its expiry in one
// statement. The refresh token column is only touched when rotated is set.
// Returns gorm.ErrRecordNotFound when the grant was deleted meanwhile.
func (r *credentialRepository) UpdateTokens(ctx context.Context, userID uint, accessToken string, expiresAt time.Time, rotatedRefreshToken string) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAt,
		"updated_at":   time.Now(),
	}
	if rotatedRefreshToken != "" {
		updates["refresh_token"] = rotatedRefreshToken
	}
	tx := r.db.WithContext(ctx).Model(&models.GoogleCredential{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	// MySQL reports 0 affected rows when the values did not change.
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.GoogleCredential{}).
		Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteByUserID removes the grant; deleting a missing grant is not an error
func (r *credentialRepository) DeleteByUserID(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.GoogleCredential{}).Error
}
