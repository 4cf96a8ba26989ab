package repository

import (
	"context"
	"time"

	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user in the database
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByEmail retrieves a user by their email address
func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByProviderAccount resolves a linked OAuth identity to its local user
func (r *userRepository) GetByProviderAccount(ctx context.Context, provider, providerUserID string) (*models.User, error) {
	var pa models.ProviderAccount
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		First(&pa).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, pa.UserID)
}

// LinkProviderAccount records the OAuth identity for a user. Re-linking the
// same identity is a no-op.
func (r *userRepository) LinkProviderAccount(ctx context.Context, userID uint, provider, providerUserID string) error {
	pa := &models.ProviderAccount{
		UserID:         userID,
		Provider:       provider,
		ProviderUserID: providerUserID,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_user_id"}},
		DoNothing: true,
	}).Create(pa).Error
}

// TouchLastLogin updates the last login timestamp
func (r *userRepository) TouchLastLogin(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("last_login_at", time.Now()).Error
}
