package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// CountSource is implemented by counter.Counter.
type CountSource interface {
	Snapshot(ctx context.Context) (map[string]int64, error)
	Drain(ctx context.Context) (map[string]int64, error)
}

// AdminStatsController reports webhook and token refresh counts.
type AdminStatsController struct {
	sources map[string]CountSource
}

// NewAdminStatsController creates a stats controller over named count sources
func NewAdminStatsController(sources map[string]CountSource) *AdminStatsController {
	return &AdminStatsController{sources: sources}
}

// HandleStats returns every source's counts keyed by its name. With
// ?reset=true the counts are returned and zeroed.
func (asc *AdminStatsController) HandleStats(c *fiber.Ctx) error {
	reset := c.QueryBool("reset", false)
	out := fiber.Map{}
	for name, src := range asc.sources {
		read := src.Snapshot
		if reset {
			read = src.Drain
		}
		counts, err := read(c.UserContext())
		if err != nil {
			fiberlog.Errorf("admin stats: %s: %v", name, err)
			return jsonError(c, fiber.StatusServiceUnavailable, "service_unavailable", "counters are unavailable")
		}
		out[name] = counts
	}
	return c.JSON(out)
}
