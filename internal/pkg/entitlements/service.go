package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/inboxpilot/inboxpilot/app/models"
	"github.com/inboxpilot/inboxpilot/app/repository"
	"gorm.io/gorm"
)

var (
	ErrFeatureNotFound    = errors.New("entitlements: feature not found")
	ErrFeatureUnavailable = errors.New("entitlements: feature not available")
	ErrInvalidFeature     = errors.New("entitlements: invalid feature")
)

// FeatureView is a feature as one user sees it.
type FeatureView struct {
	Feature     models.Feature `json:"feature"`
	Entitlement Entitlement    `json:"entitlement"`
	Overridden  bool           `json:"overridden"`
	Activated   bool           `json:"activated"`
}

// FeatureInput is the admin payload for creating or updating a feature.
type FeatureInput struct {
	Slug               string `json:"slug" validate:"required,min=2,max=100,excludesall=/"`
	Name               string `json:"name" validate:"required,min=1,max=150"`
	Description        string `json:"description" validate:"max=2000"`
	GenerallyVisible   *bool  `json:"generally_visible"`
	GenerallyAvailable *bool  `json:"generally_available"`
	RequiresGmail      bool   `json:"requires_gmail"`
}

type Service struct {
	features repository.FeatureRepository
	validate *validator.Validate
}

func NewService(features repository.FeatureRepository) *Service {
	return &Service{features: features, validate: validator.New()}
}

// ResolveForUser loads the feature and the user's override and resolves them.
func (s *Service) ResolveForUser(ctx context.Context, userID uint, slug string) (*FeatureView, error) {
	feature, err := s.feature(ctx, slug)
	if err != nil {
		return nil, err
	}

	override, err := s.features.GetOverride(ctx, userID, feature.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("entitlements: load override: %w", err)
	}

	activations, err := s.features.ListActivationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlements: load activations: %w", err)
	}
	activated := false
	for _, a := range activations {
		if a.FeatureID == feature.ID {
			activated = true
			break
		}
	}

	return &FeatureView{
		Feature:     *feature,
		Entitlement: Resolve(feature, override),
		Overridden:  override != nil,
		Activated:   activated,
	}, nil
}

// ListForUser returns all features visible to the user.
func (s *Service) ListForUser(ctx context.Context, userID uint) ([]FeatureView, error) {
	features, err := s.features.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitlements: list features: %w", err)
	}
	overrides, err := s.features.ListOverridesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlements: list overrides: %w", err)
	}
	activations, err := s.features.ListActivationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("entitlements: list activations: %w", err)
	}

	byFeature := make(map[uint]*models.FeatureOverride, len(overrides))
	for i := range overrides {
		byFeature[overrides[i].FeatureID] = &overrides[i]
	}
	active := make(map[uint]bool, len(activations))
	for _, a := range activations {
		active[a.FeatureID] = true
	}

	views := make([]FeatureView, 0, len(features))
	for i := range features {
		override := byFeature[features[i].ID]
		ent := Resolve(&features[i], override)
		if !ent.Visible {
			continue
		}
		views = append(views, FeatureView{
			Feature:     features[i],
			Entitlement: ent,
			Overridden:  override != nil,
			Activated:   active[features[i].ID],
		})
	}
	return views, nil
}

// UpsertFeature creates or updates a feature keyed by slug.
func (s *Service) UpsertFeature(ctx context.Context, input FeatureInput) (*models.Feature, error) {
	input.Slug = strings.ToLower(strings.TrimSpace(input.Slug))
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeature, err)
	}

	feature := &models.Feature{
		Slug:               input.Slug,
		Name:               input.Name,
		Description:        input.Description,
		GenerallyVisible:   input.GenerallyVisible,
		GenerallyAvailable: input.GenerallyAvailable,
		RequiresGmail:      input.RequiresGmail,
	}
	if err := s.features.Upsert(ctx, feature); err != nil {
		return nil, fmt.Errorf("entitlements: save feature: %w", err)
	}
	fiberlog.Infof("entitlements: feature %q saved", feature.Slug)
	return feature, nil
}

// DeleteFeature removes the feature with its overrides and activations.
func (s *Service) DeleteFeature(ctx context.Context, slug string) error {
	feature, err := s.feature(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.features.Delete(ctx, feature.ID); err != nil {
		return fmt.Errorf("entitlements: delete feature: %w", err)
	}
	fiberlog.Infof("entitlements: feature %q deleted", feature.Slug)
	return nil
}

// SetOverride stores a per-user override. Nil fields are stored as unset.
func (s *Service) SetOverride(ctx context.Context, slug string, userID uint, visible, available *bool) (*models.FeatureOverride, error) {
	feature, err := s.feature(ctx, slug)
	if err != nil {
		return nil, err
	}
	override := &models.FeatureOverride{
		UserID:    userID,
		FeatureID: feature.ID,
		Visible:   visible,
		Available: available,
	}
	if err := s.features.UpsertOverride(ctx, override); err != nil {
		return nil, fmt.Errorf("entitlements: save override: %w", err)
	}
	return override, nil
}

// ClearOverride returns the user to the global flags.
func (s *Service) ClearOverride(ctx context.Context, slug string, userID uint) error {
	feature, err := s.feature(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.features.DeleteOverride(ctx, userID, feature.ID); err != nil {
		return fmt.Errorf("entitlements: delete override: %w", err)
	}
	return nil
}

// Activate switches a feature on for the user. Hidden features look
// nonexistent; visible but unavailable ones are refused.
func (s *Service) Activate(ctx context.Context, userID uint, slug string) (*FeatureView, error) {
	view, err := s.ResolveForUser(ctx, userID, slug)
	if err != nil {
		return nil, err
	}
	if !view.Entitlement.Visible {
		return nil, ErrFeatureNotFound
	}
	if !view.Entitlement.Available {
		return nil, ErrFeatureUnavailable
	}
	if err := s.features.CreateActivation(ctx, userID, view.Feature.ID); err != nil {
		return nil, fmt.Errorf("entitlements: activate: %w", err)
	}
	view.Activated = true
	return view, nil
}

// Deactivate switches a feature off. It is allowed even after the feature
// became unavailable.
func (s *Service) Deactivate(ctx context.Context, userID uint, slug string) error {
	feature, err := s.feature(ctx, slug)
	if err != nil {
		return err
	}
	if err := s.features.DeleteActivation(ctx, userID, feature.ID); err != nil {
		return fmt.Errorf("entitlements: deactivate: %w", err)
	}
	return nil
}

func (s *Service) feature(ctx context.Context, slug string) (*models.Feature, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, ErrFeatureNotFound
	}
	feature, err := s.features.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFeatureNotFound
		}
		return nil, fmt.Errorf("entitlements: load feature: %w", err)
	}
	return feature, nil
}
