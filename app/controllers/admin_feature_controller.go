package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/inboxpilot/inboxpilot/internal/pkg/entitlements"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// AdminFeatureController manages feature definitions and per-user overrides.
type AdminFeatureController struct {
	features *entitlements.Service
}

// NewAdminFeatureController creates a new admin feature controller
func NewAdminFeatureController(features *entitlements.Service) *AdminFeatureController {
	return &AdminFeatureController{features: features}
}

type overrideRequest struct {
	Visible   *bool `json:"visible"`
	Available *bool `json:"available"`
}

// HandleUpsertFeature creates or updates the feature named in the path.
func (afc *AdminFeatureController) HandleUpsertFeature(c *fiber.Ctx) error {
	var input entitlements.FeatureInput
	if err := c.BodyParser(&input); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid feature body")
	}
	input.Slug = c.Params("slug")

	feature, err := afc.features.UpsertFeature(c.UserContext(), input)
	if err != nil {
		return featureError(c, usercontext.GetUserID(c), err)
	}
	return c.JSON(feature)
}

// HandleDeleteFeature removes a feature with its overrides and activations.
func (afc *AdminFeatureController) HandleDeleteFeature(c *fiber.Ctx) error {
	if err := afc.features.DeleteFeature(c.UserContext(), c.Params("slug")); err != nil {
		return featureError(c, usercontext.GetUserID(c), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleSetOverride stores the override for one user. Omitted flags are
// stored as unset and fall back to their defaults.
func (afc *AdminFeatureController) HandleSetOverride(c *fiber.Ctx) error {
	userID, err := parseUserIDParam(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid user id")
	}
	var req overrideRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid override body")
	}

	override, err := afc.features.SetOverride(c.UserContext(), c.Params("slug"), userID, req.Visible, req.Available)
	if err != nil {
		return featureError(c, usercontext.GetUserID(c), err)
	}
	return c.JSON(override)
}

// HandleClearOverride returns the user to the feature's global flags.
func (afc *AdminFeatureController) HandleClearOverride(c *fiber.Ctx) error {
	userID, err := parseUserIDParam(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "invalid user id")
	}
	if err := afc.features.ClearOverride(c.UserContext(), c.Params("slug"), userID); err != nil {
		return featureError(c, usercontext.GetUserID(c), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func parseUserIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("userID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(id), nil
}
