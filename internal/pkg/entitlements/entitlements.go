package entitlements

import "github.com/inboxpilot/inboxpilot/app/models"

// Entitlement is the effective visibility and availability of a feature for
// one user.
type Entitlement struct {
	Visible   bool `json:"visible"`
	Available bool `json:"available"`
}

// Resolve computes the entitlement from the global flags and an optional
// per-user override. A present override replaces the global flags entirely,
// unset override fields fall back to visible=true and available=false rather
// than to the feature's values.
func Resolve(feature *models.Feature, override *models.FeatureOverride) Entitlement {
	if override != nil {
		return Entitlement{
			Visible:   boolOr(override.Visible, true),
			Available: boolOr(override.Available, false),
		}
	}
	if feature == nil {
		return Entitlement{}
	}
	return Entitlement{
		Visible:   boolOr(feature.GenerallyVisible, true),
		Available: boolOr(feature.GenerallyAvailable, false),
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
