package main

import (
	"fmt"
	"log"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/inboxpilot/inboxpilot/internal/pkg/cache"
	"github.com/inboxpilot/inboxpilot/internal/pkg/database"
	"github.com/inboxpilot/inboxpilot/internal/pkg/env"
	"github.com/inboxpilot/inboxpilot/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/inboxpilot to project root
		"../../../", // Fallback
	}

	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + openAPIFile); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		// Webhooks and mail bodies are small; Gmail caps messages at 25 MB.
		BodyLimit: 26 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	installMetrics(app)

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: basePath + openAPIFile,
			Path:     "v1",
		}))
	} else {
		log.Printf("Warning: %s not found, API docs disabled", openAPIFile)
	}

	// ROUTER
	router.InstallRouter(app, newServices())

	return app
}

// installMetrics mounts the fiber monitor behind basic auth. Without
// METRICS_PASSWORD the route stays unregistered.
func installMetrics(app *fiber.App) bool {
	password := env.GetEnv("METRICS_PASSWORD", "")
	if password == "" {
		log.Printf("Warning: METRICS_PASSWORD not set, /metrics disabled")
		return false
	}
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): password,
		},
	}), monitor.New())
	return true
}
