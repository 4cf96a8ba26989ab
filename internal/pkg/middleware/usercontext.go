package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/inboxpilot/inboxpilot/internal/pkg/session"
	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// UserContextMiddleware resolves the session into a usercontext.UserContext
// for every request.
func UserContextMiddleware(c *fiber.Ctx) error {
	// Goth keeps its own session store on /auth/*; ours must not collide.
	if strings.HasPrefix(c.Path(), "/auth/") {
		return c.Next()
	}
	// Webhooks are server-to-server and carry no cookies.
	if strings.HasPrefix(c.Path(), "/webhooks/") {
		return c.Next()
	}

	store := session.GetSessionStore()
	if store == nil {
		usercontext.SetUserContext(c, usercontext.UserContext{})
		return c.Next()
	}
	sess, err := store.Get(c)
	if err != nil {
		usercontext.SetUserContext(c, usercontext.UserContext{})
		return c.Next()
	}

	userID, ok := sess.Get(usercontext.KeyUserID).(uint)
	if !ok || userID == 0 {
		usercontext.SetUserContext(c, usercontext.UserContext{})
		return c.Next()
	}

	username, _ := sess.Get(usercontext.KeyUsername).(string)
	isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)
	usercontext.SetUserContext(c, usercontext.UserContext{
		UserID:     userID,
		Username:   username,
		IsLoggedIn: true,
		IsAdmin:    isAdmin,
	})
	return c.Next()
}
