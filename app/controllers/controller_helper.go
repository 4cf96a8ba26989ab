package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/inboxpilot/inboxpilot/internal/pkg/usercontext"
)

// Session and Locals keys shared with the middlewares.
const (
	AUTH_KEY      = usercontext.AuthKey
	USER_ID       = usercontext.KeyUserID
	USER_NAME     = usercontext.KeyUsername
	USER_IS_ADMIN = usercontext.KeyIsAdmin
)

// requestTimeout bounds the external calls a single request may make.
const requestTimeout = 20 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
