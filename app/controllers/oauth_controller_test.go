package controllers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	fibersession "github.com/gofiber/fiber/v2/middleware/session"
	"github.com/markbates/goth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/inboxpilot/app/repository"
	"github.com/inboxpilot/inboxpilot/internal/pkg/dbtest"
	"github.com/inboxpilot/inboxpilot/internal/pkg/session"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
)

type oauthFixture struct {
	app     *fiber.App
	repos   *repository.Repositories
	manager *tokens.Manager
	next    goth.User
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	previous := session.GetSessionStore()
	session.SetSessionStore(fibersession.New())
	t.Cleanup(func() { session.SetSessionStore(previous) })

	repos := repository.NewRepositories(dbtest.Open(t))
	fx := &oauthFixture{repos: repos, manager: tokens.NewManager(repos.Credential, nil, nil)}
	oc := NewOAuthController(repos.User, fx.manager)

	fx.app = fiber.New()
	fx.app.Get("/auth/gmail/callback", func(c *fiber.Ctx) error {
		return oc.completeLogin(c, fx.next)
	})
	fx.app.Get("/user/gmail", asUser(1, false), oc.HandleGmailStatus)
	fx.app.Post("/user/gmail/disconnect", asUser(1, false), oc.HandleGmailDisconnect)
	return fx
}

func (fx *oauthFixture) callback(t *testing.T, u goth.User) (int, string) {
	t.Helper()
	fx.next = u
	resp, err := fx.app.Test(httptest.NewRequest(fiber.MethodGet, "/auth/gmail/callback", nil), -1)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode, resp.Header.Get(fiber.HeaderLocation)
}

func googleUser(refreshToken string) goth.User {
	return goth.User{
		Provider:     "gmail",
		UserID:       "google-123",
		Email:        "ada@example.com",
		Name:         "Ada",
		AccessToken:  "access-1",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func TestOAuthController_FirstLoginCreatesUserAndGrant(t *testing.T) {
	fx := newOAuthFixture(t)
	ctx := context.Background()

	status, location := fx.callback(t, googleUser("refresh-1"))
	require.Equal(t, fiber.StatusSeeOther, status)
	assert.Equal(t, "/", location)

	user, err := fx.repos.User.GetByProviderAccount(ctx, "gmail", "google-123")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, "Ada", user.Name)
	assert.NotNil(t, user.LastLoginAt)

	cred, err := fx.repos.Credential.GetByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	require.NotNil(t, cred.AccessToken)
	assert.Equal(t, "access-1", *cred.AccessToken)
	assert.Equal(t, "ada@example.com", cred.AccountEmail)
}

func TestOAuthController_ReconsentWithoutRefreshTokenKeepsStoredOne(t *testing.T) {
	fx := newOAuthFixture(t)
	ctx := context.Background()

	status, _ := fx.callback(t, googleUser("refresh-1"))
	require.Equal(t, fiber.StatusSeeOther, status)

	again := googleUser("")
	again.AccessToken = "access-2"
	status, _ = fx.callback(t, again)
	require.Equal(t, fiber.StatusSeeOther, status)

	user, err := fx.repos.User.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	cred, err := fx.repos.Credential.GetByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", cred.RefreshToken)
	assert.Equal(t, "access-2", *cred.AccessToken)
}

func TestOAuthController_FirstConsentWithoutRefreshToken(t *testing.T) {
	fx := newOAuthFixture(t)

	status, _ := fx.callback(t, googleUser(""))
	assert.Equal(t, fiber.StatusConflict, status)
}

func TestOAuthController_StatusAndDisconnect(t *testing.T) {
	fx := newOAuthFixture(t)
	require.NoError(t, fx.manager.Connect(context.Background(), 1, tokens.Grant{
		AccountEmail: "ada@example.com",
		RefreshToken: "refresh-1",
		Scopes:       []string{"email"},
	}))

	resp, body := doRequest(t, fx.app, fiber.MethodGet, "/user/gmail", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, "ada@example.com", body["account_email"])

	resp, _ = doRequest(t, fx.app, fiber.MethodPost, "/user/gmail/disconnect", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, body = doRequest(t, fx.app, fiber.MethodGet, "/user/gmail", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["connected"])
}

func TestOAuthController_InvalidProfileCreatesNoUser(t *testing.T) {
	fx := newOAuthFixture(t)
	ctx := context.Background()

	u := googleUser("refresh-1")
	u.Email = "not-an-address"
	status, _ := fx.callback(t, u)
	assert.Equal(t, fiber.StatusInternalServerError, status)

	_, err := fx.repos.User.GetByProviderAccount(ctx, "gmail", "google-123")
	assert.Error(t, err)
	_, err = fx.repos.User.GetByEmail(ctx, "not-an-address")
	assert.Error(t, err)
}

func TestOAuthController_OversizedAvatarIsDropped(t *testing.T) {
	fx := newOAuthFixture(t)

	u := googleUser("refresh-1")
	u.AvatarURL = "https://lh3.googleusercontent.com/a/" + strings.Repeat("x", 300)
	status, _ := fx.callback(t, u)
	require.Equal(t, fiber.StatusSeeOther, status)

	user, err := fx.repos.User.GetByProviderAccount(context.Background(), "gmail", "google-123")
	require.NoError(t, err)
	assert.Empty(t, user.AvatarURL)
}
