package models

import "time"

// Feature is the global definition of an AI function. Nil flags fall back
// to visible=true and available=false.
type Feature struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Slug               string    `gorm:"type:varchar(100);not null;uniqueIndex" json:"slug" validate:"required,min=2,max=100"`
	Name               string    `gorm:"type:varchar(150);not null" json:"name" validate:"required,min=1,max=150"`
	Description        string    `gorm:"type:text" json:"description" validate:"max=2000"`
	GenerallyVisible   *bool     `gorm:"default:null" json:"generally_visible"`
	GenerallyAvailable *bool     `gorm:"default:null" json:"generally_available"`
	RequiresGmail      bool      `gorm:"not null;default:false" json:"requires_gmail"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Overrides   []FeatureOverride   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Activations []FeatureActivation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// FeatureOverride is an administrator-managed per-user record. When present
// it replaces the feature's global flags entirely.
type FeatureOverride struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:ux_feature_overrides_user_feature,priority:1" json:"user_id"`
	FeatureID uint      `gorm:"not null;uniqueIndex:ux_feature_overrides_user_feature,priority:2;index" json:"feature_id"`
	Visible   *bool     `gorm:"default:null" json:"visible"`
	Available *bool     `gorm:"default:null" json:"available"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FeatureActivation records that a user switched an available feature on.
type FeatureActivation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:ux_feature_activations_user_feature,priority:1" json:"user_id"`
	FeatureID uint      `gorm:"not null;uniqueIndex:ux_feature_activations_user_feature,priority:2;index" json:"feature_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
