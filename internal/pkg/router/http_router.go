package router

import (
	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/inboxpilot/inboxpilot/app/controllers"
	"github.com/inboxpilot/inboxpilot/internal/pkg/middleware"
	"github.com/inboxpilot/inboxpilot/internal/pkg/oauth"
	"github.com/inboxpilot/inboxpilot/internal/pkg/session"
)

type HttpRouter struct {
	services Services
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init oauth providers
	oauth.Setup()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	h.registerRoutes(app)
}

func (h HttpRouter) registerRoutes(app fiber.Router) {
	oauthController := controllers.NewOAuthController(h.services.Users, h.services.Tokens)
	billingController := controllers.NewBillingController(h.services.Billing)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// OAuth consent, the provider is always "gmail"
	app.Get("/auth/:provider", gothfiber.BeginAuthHandler)
	app.Get("/auth/:provider/callback", oauthController.HandleOAuthCallback)
	app.Post("/logout", middleware.RequireAuth, oauthController.HandleLogout)

	user := app.Group("/user", middleware.RequireAuth)
	user.Get("/gmail", oauthController.HandleGmailStatus)
	user.Post("/gmail/disconnect", oauthController.HandleGmailDisconnect)

	app.Post("/webhooks/stripe", billingController.HandleStripeWebhook)
}

func NewHttpRouter(services Services) *HttpRouter {
	return &HttpRouter{services: services}
}
