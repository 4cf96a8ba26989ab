package repository

import (
	"context"
	"time"

	"github.com/inboxpilot/inboxpilot/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByProviderAccount(ctx context.Context, provider, providerUserID string) (*models.User, error)
	LinkProviderAccount(ctx context.Context, userID uint, provider, providerUserID string) error
	TouchLastLogin(ctx context.Context, userID uint) error
}

// CredentialRepository defines persistence for the per-user Gmail grant
type CredentialRepository interface {
	GetByUserID(ctx context.Context, userID uint) (*models.GoogleCredential, error)
	Upsert(ctx context.Context, cred *models.GoogleCredential) error
	UpdateTokens(ctx context.Context, userID uint, accessToken string, expiresAt time.Time, rotatedRefreshToken string) error
	DeleteByUserID(ctx context.Context, userID uint) error
}

// FeatureRepository defines the interface for features, per-user overrides and activations
type FeatureRepository interface {
	GetBySlug(ctx context.Context, slug string) (*models.Feature, error)
	List(ctx context.Context) ([]models.Feature, error)
	Upsert(ctx context.Context, feature *models.Feature) error
	Delete(ctx context.Context, featureID uint) error

	GetOverride(ctx context.Context, userID, featureID uint) (*models.FeatureOverride, error)
	ListOverridesByUser(ctx context.Context, userID uint) ([]models.FeatureOverride, error)
	UpsertOverride(ctx context.Context, override *models.FeatureOverride) error
	DeleteOverride(ctx context.Context, userID, featureID uint) error

	ListActivationsByUser(ctx context.Context, userID uint) ([]models.FeatureActivation, error)
	CreateActivation(ctx context.Context, userID, featureID uint) error
	DeleteActivation(ctx context.Context, userID, featureID uint) error
}

// Repositories holds all repository instances
type Repositories struct {
	User       UserRepository
	Credential CredentialRepository
	Feature    FeatureRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:       NewUserRepository(db),
		Credential: NewCredentialRepository(db),
		Feature:    NewFeatureRepository(db),
	}
}
