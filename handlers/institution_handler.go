package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
)

type InstitutionHandler struct {
	Service *services.InstitutionService
}

func NewInstitutionHandler(service *services.InstitutionService) *InstitutionHandler {
	return &InstitutionHandler{Service: service}
}

func (h *InstitutionHandler) CreateInstitution(c *fiber.Ctx) error {
	var institution models.Institution
	if err := c.BodyParser(&institution); err != nil {
		return respondBadRequest(c, "invalid institution payload")
	}
	if institution.Name == "" || institution.ContactEmail == "" {
		return respondBadRequest(c, "name and contact_email are required")
	}

	if err := h.Service.CreateInstitution(c.Context(), &institution); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    institution,
	})
}

func (h *InstitutionHandler) GetInstitution(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	institution, err := h.Service.GetInstitution(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, institution)
}

func (h *InstitutionHandler) ListInstitutions(c *fiber.Ctx) error {
	activeOnly := c.QueryBool("active", false)
	institutions, err := h.Service.ListInstitutions(c.Context(), activeOnly)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, institutions)
}

func (h *InstitutionHandler) UpdateInstitution(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	var institution models.Institution
	if err := c.BodyParser(&institution); err != nil {
		return respondBadRequest(c, "invalid institution payload")
	}
	institution.ID = id

	if err := h.Service.UpdateInstitution(c.Context(), &institution); err != nil {
		return respondError(c, err)
	}
	return respondData(c, institution)
}

// DeactivateInstitution soft-deletes: the institution stops being scanned
// but its history stays queryable
func (h *InstitutionHandler) DeactivateInstitution(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	if err := h.Service.DeactivateInstitution(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return respondData(c, fiber.Map{"id": id, "active": false})
}
