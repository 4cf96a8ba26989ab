package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/inboxpilot/inboxpilot/app/controllers"
	"github.com/inboxpilot/inboxpilot/app/repository"
	"github.com/inboxpilot/inboxpilot/internal/pkg/billing"
	"github.com/inboxpilot/inboxpilot/internal/pkg/entitlements"
	"github.com/inboxpilot/inboxpilot/internal/pkg/tokens"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Services are the domain services the routes are wired to.
type Services struct {
	Users    repository.UserRepository
	Tokens   *tokens.Manager
	Mailbox  controllers.MailboxService
	Features *entitlements.Service
	Billing  *billing.Service

	// Counters are reported on the admin stats route, keyed by name.
	Counters map[string]controllers.CountSource

	// RateLimit caps API requests per client and minute.
	RateLimit int
}

func InstallRouter(app *fiber.App, services Services) {
	// Install HttpRouter first to initialize session store, oauth providers,
	// and the global UserContext middleware. API routes depend on it.
	setup(app, NewHttpRouter(services), NewApiRouter(services))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
