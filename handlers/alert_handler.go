package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/propalert/market-alert-backend/services"
)

type AlertHandler struct {
	Service *services.AlertService
}

func NewAlertHandler(service *services.AlertService) *AlertHandler {
	return &AlertHandler{Service: service}
}

// ListAlerts returns an institution's recent alerts, newest first
func (h *AlertHandler) ListAlerts(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Query("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId query parameter must be a valid UUID")
	}
	limit := c.QueryInt("limit", 50)

	alerts, err := h.Service.ListRecent(c.Context(), institutionID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, alerts)
}
