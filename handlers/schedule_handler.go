package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
)

type ScheduleHandler struct {
	Service *services.ScheduleService
}

func NewScheduleHandler(service *services.ScheduleService) *ScheduleHandler {
	return &ScheduleHandler{Service: service}
}

// UpsertSchedule creates or replaces the institution's scan schedule
func (h *ScheduleHandler) UpsertSchedule(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Params("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId must be a valid UUID")
	}

	var payload struct {
		CronExpression string `json:"cron_expression"`
		Active         *bool  `json:"active"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return respondBadRequest(c, "invalid schedule payload")
	}
	if payload.CronExpression == "" {
		return respondBadRequest(c, "cron_expression is required")
	}

	schedule := models.ScanSchedule{
		InstitutionID:  institutionID,
		CronExpression: payload.CronExpression,
		Active:         true,
	}
	if payload.Active != nil {
		schedule.Active = *payload.Active
	}

	if err := h.Service.UpsertSchedule(c.Context(), &schedule); err != nil {
		return respondError(c, err)
	}
	return respondData(c, schedule)
}

// GetSchedule returns the institution's scan schedule
func (h *ScheduleHandler) GetSchedule(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Params("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId must be a valid UUID")
	}

	schedule, err := h.Service.GetSchedule(c.Context(), institutionID)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, schedule)
}
