package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/propalert/market-alert-backend/database"
	"github.com/propalert/market-alert-backend/shared"
)

// MetricsHandler exposes per-service metrics and connection stats for
// operators. Mounted behind the admin token middleware.
type MetricsHandler struct {
	Registry *shared.MetricsRegistry
}

func NewMetricsHandler(registry *shared.MetricsRegistry) *MetricsHandler {
	return &MetricsHandler{Registry: registry}
}

func (h *MetricsHandler) GetServiceMetrics(c *fiber.Ctx) error {
	return respondData(c, fiber.Map{
		"services": h.Registry.Snapshot(),
		"database": database.GetConnectionStats(),
	})
}
