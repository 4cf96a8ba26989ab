package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/markbates/goth"
	gothfiber "github.com/shareed2k/goth_fiber"
	"gorm.io/gorm"

	"github.com/inboxpilot/inboxpilot/app/models"
	"github.com/inboxpilot/inboxpilot/app/repository"
	"github.com/inboxpilot/inboxpilot/internal/pkg/session"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// OAuthController signs users in through Google and stores their Gmail grant.
type OAuthController struct {
	users  repository.UserRepository
	tokens *tokens.Manager
}

// NewOAuthController creates a new OAuth controller
func NewOAuthController(users repository.UserRepository, manager *tokens.Manager) *OAuthController {
	return &OAuthController{users: users, tokens: manager}
}

// HandleOAuthCallback completes the provider flow and logs the user in
func (oc *OAuthController) HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "oauth_failed", fmt.Sprintf("OAuth failed: %v", err))
	}
	return oc.completeLogin(c, u)
}

func (oc *OAuthController) completeLogin(c *fiber.Ctx, u goth.User) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	appUser, err := oc.resolveUser(ctx, u)
	if err != nil {
		fiberlog.Errorf("oauth: resolve user for %s/%s: %v", u.Provider, u.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not link account")
	}
	if !appUser.IsActive() {
		return jsonError(c, fiber.StatusForbidden, "account_disabled", "account is not active")
	}

	grant := tokens.Grant{
		AccountEmail: u.Email,
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		ExpiresAt:    u.ExpiresAt,
		Scopes:       models.GmailScopes,
	}
	if err := oc.tokens.Connect(ctx, appUser.ID, grant); err != nil {
		if tokens.NeedsReconsent(err) {
			// Google only omits the refresh token when it believes one was
			// already issued; the consent screen has to be shown again.
			return jsonError(c, fiber.StatusConflict, "reconnect_required", "Google did not return offline access, please connect again")
		}
		fiberlog.Errorf("oauth: store grant for user %d: %v", appUser.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not store Google access")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session init failed")
	}
	sess.Set(AUTH_KEY, true)
	sess.Set(USER_ID, appUser.ID)
	sess.Set(USER_NAME, appUser.Name)
	sess.Set(USER_IS_ADMIN, appUser.IsAdmin())
	if err := sess.Save(); err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "session save failed")
	}

	if err := oc.users.TouchLastLogin(ctx, appUser.ID); err != nil {
		fiberlog.Warnf("oauth: update last login for user %d: %v", appUser.ID, err)
	}

	return c.Redirect("/", fiber.StatusSeeOther)
}

// resolveUser finds the local account for a provider identity, falling back
// to an e-mail match and finally creating a new user.
func (oc *OAuthController) resolveUser(ctx context.Context, u goth.User) (*models.User, error) {
	appUser, err := oc.users.GetByProviderAccount(ctx, u.Provider, u.UserID)
	if err == nil {
		return appUser, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if u.Email != "" {
		appUser, err = oc.users.GetByEmail(ctx, u.Email)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if appUser == nil {
		// The password is never used for login; validation only needs a value.
		hash, err := models.HashPassword(fmt.Sprintf("oauth_%d", time.Now().UnixNano()))
		if err != nil {
			return nil, err
		}
		email := u.Email
		if email == "" {
			email = fmt.Sprintf("%s_%s@%s.oauth.local", u.Provider, u.UserID, u.Provider)
		}
		appUser = &models.User{
			Name:      firstNonEmpty(u.Name, u.NickName, u.Email, "User"),
			Email:     email,
			Password:  hash,
			AvatarURL: u.AvatarURL,
			Role:      models.ROLE_USER,
			Status:    models.STATUS_ACTIVE,
		}
		if len(appUser.AvatarURL) > 255 {
			appUser.AvatarURL = ""
		}
		if err := appUser.Validate(); err != nil {
			return nil, fmt.Errorf("invalid provider profile: %w", err)
		}
		if err := oc.users.Create(ctx, appUser); err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
	}

	if err := oc.users.LinkProviderAccount(ctx, appUser.ID, u.Provider, u.UserID); err != nil {
		return nil, fmt.Errorf("link provider: %w", err)
	}
	return appUser, nil
}

// HandleLogout destroys the session.
func (oc *OAuthController) HandleLogout(c *fiber.Ctx) error {
	if store := session.GetSessionStore(); store != nil {
		if sess, err := store.Get(c); err == nil {
			if err := sess.Destroy(); err != nil {
				fiberlog.Warnf("logout: destroy session: %v", err)
			}
		}
	}
	usercontext.SetUserContext(c, usercontext.UserContext{})
	return c.Redirect("/", fiber.StatusSeeOther)
}

// HandleGmailDisconnect removes the stored Gmail grant of the current user.
func (oc *OAuthController) HandleGmailDisconnect(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "login required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	if err := oc.tokens.Disconnect(ctx, userCtx.UserID); err != nil {
		fiberlog.Errorf("gmail disconnect: user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not disconnect Gmail")
	}
	return c.JSON(fiber.Map{"ok": true, "connected": false})
}

// HandleGmailStatus reports whether the current user has Gmail connected.
func (oc *OAuthController) HandleGmailStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "login required")
	}

	conn, err := oc.tokens.Connection(c.UserContext(), userCtx.UserID)
	if err != nil {
		fiberlog.Errorf("gmail status: user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "could not load Gmail connection")
	}
	return c.JSON(fiber.Map{
		"connected":     conn.Connected,
		"account_email": conn.AccountEmail,
		"scopes":        conn.Scopes,
		"expires_at":    formatTimePtr(conn.ExpiresAt),
	})
}
