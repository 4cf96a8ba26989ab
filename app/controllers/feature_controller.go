package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/inboxpilot/inboxpilot/internal/pkg/entitlements"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// GmailConnections is implemented by tokens.Manager.
type GmailConnections interface {
	Connection(ctx context.Context, ownerID uint) (*tokens.Connection, error)
}

// FeatureController lets users see and switch on AI features.
type FeatureController struct {
	features    *entitlements.Service
	connections GmailConnections
}

// NewFeatureController creates a new feature controller
func NewFeatureController(features *entitlements.Service, connections GmailConnections) *FeatureController {
	return &FeatureController{features: features, connections: connections}
}

// HandleListFeatures returns the features visible to the current user.
func (fc *FeatureController) HandleListFeatures(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	views, err := fc.features.ListForUser(c.UserContext(), userID)
	if err != nil {
		fiberlog.Errorf("list features: user %d: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load features")
	}
	return c.JSON(fiber.Map{"features": views})
}

// HandleActivate switches a feature on. Features that work on the mailbox
// need a connected Gmail account first.
func (fc *FeatureController) HandleActivate(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	slug := c.Params("slug")
	ctx := c.UserContext()

	view, err := fc.features.ResolveForUser(ctx, userID, slug)
	if err != nil {
		return featureError(c, userID, err)
	}
	if view.Feature.RequiresGmail && view.Entitlement.Visible && view.Entitlement.Available {
		conn, err := fc.connections.Connection(ctx, userID)
		if err != nil {
			fiberlog.Errorf("activate feature %s: user %d: %v", slug, userID, err)
			return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "failed to load Gmail connection")
		}
		if !conn.Connected {
			return jsonError(c, fiber.StatusConflict, "reconnect_required", "connect Gmail before activating this feature")
		}
	}

	view, err = fc.features.Activate(ctx, userID, slug)
	if err != nil {
		return featureError(c, userID, err)
	}
	return c.JSON(view)
}

// HandleDeactivate switches a feature off.
func (fc *FeatureController) HandleDeactivate(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if err := fc.features.Deactivate(c.UserContext(), userID, c.Params("slug")); err != nil {
		return featureError(c, userID, err)
	}
	return c.JSON(fiber.Map{"ok": true, "activated": false})
}

func featureError(c *fiber.Ctx, userID uint, err error) error {
	switch {
	case errors.Is(err, entitlements.ErrFeatureNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "feature not found")
	case errors.Is(err, entitlements.ErrFeatureUnavailable):
		return jsonError(c, fiber.StatusForbidden, "feature_unavailable", "feature is not available for this account")
	case errors.Is(err, entitlements.ErrInvalidFeature):
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	default:
		fiberlog.Errorf("feature request: user %d: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "feature operation failed")
	}
}
