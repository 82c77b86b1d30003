package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is a backing service the readiness check must reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CheckHandler struct {
	deps map[string]Pinger
}

func NewCheckHandler(deps map[string]Pinger) *CheckHandler {
	return &CheckHandler{deps: deps}
}

func (h *CheckHandler) HandleHealthy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"result": "ok"})
}

func (h *CheckHandler) HandleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	failed := fiber.Map{}
	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"result": "unavailable", "failed": failed})
	}
	return c.JSON(fiber.Map{"result": "ok"})
}
