package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/inboxpilot/inboxpilot/app/controllers"
	"github.com/inboxpilot/inboxpilot/internal/pkg/middleware"
)

// defaultRateLimit is the number of API requests per client and minute.
const defaultRateLimit = 120

type ApiRouter struct {
	services Services
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	limit := h.services.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        limit,
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	h.registerV1(api.Group("/v1"))
}

func (h ApiRouter) registerV1(v1 fiber.Router) {
	featureController := controllers.NewFeatureController(h.services.Features, h.services.Tokens)
	adminFeatureController := controllers.NewAdminFeatureController(h.services.Features)
	mailboxController := controllers.NewMailboxController(h.services.Mailbox)
	billingController := controllers.NewBillingController(h.services.Billing)

	authed := v1.Group("", middleware.RequireAuth)
	authed.Get("/features", featureController.HandleListFeatures)
	authed.Post("/features/:slug/activation", featureController.HandleActivate)
	authed.Delete("/features/:slug/activation", featureController.HandleDeactivate)

	// Mailbox operations run on behalf of a feature and inherit its gate.
	gated := authed.Group("/features/:slug", middleware.RequireFeature(h.services.Features))
	gated.Get("/messages", mailboxController.HandleListMessages)
	gated.Post("/messages/send", mailboxController.HandleSendMessage)
	gated.Get("/messages/:id", mailboxController.HandleGetMessage)

	authed.Get("/billing/balance", billingController.HandleBalance)

	adminStatsController := controllers.NewAdminStatsController(h.services.Counters)

	admin := v1.Group("/admin", middleware.RequireAdmin)
	admin.Get("/stats", adminStatsController.HandleStats)
	admin.Put("/features/:slug", adminFeatureController.HandleUpsertFeature)
	admin.Delete("/features/:slug", adminFeatureController.HandleDeleteFeature)
	admin.Put("/features/:slug/overrides/:userID", adminFeatureController.HandleSetOverride)
	admin.Delete("/features/:slug/overrides/:userID", adminFeatureController.HandleClearOverride)
}

func NewApiRouter(services Services) *ApiRouter {
	return &ApiRouter{services: services}
}
