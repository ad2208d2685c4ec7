package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
)

type AddressHandler struct {
	Service *services.AddressService
}

func NewAddressHandler(service *services.AddressService) *AddressHandler {
	return &AddressHandler{Service: service}
}

func (h *AddressHandler) CreateAddress(c *fiber.Ctx) error {
	var address models.MemberAddress
	if err := c.BodyParser(&address); err != nil {
		return respondBadRequest(c, "invalid address payload")
	}
	if address.InstitutionID == uuid.Nil {
		return respondBadRequest(c, "institution_id is required")
	}
	if address.MemberRef == "" || address.Street == "" || address.City == "" || address.State == "" || address.Zip == "" {
		return respondBadRequest(c, "member_ref, street, city, state and zip are required")
	}

	if err := h.Service.CreateAddress(c.Context(), &address); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    address,
	})
}

// BulkImportAddresses loads an institution's address book in one transaction
func (h *AddressHandler) BulkImportAddresses(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Params("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId must be a valid UUID")
	}

	var payload struct {
		Addresses []models.MemberAddress `json:"addresses"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return respondBadRequest(c, "invalid bulk import payload")
	}
	if len(payload.Addresses) == 0 {
		return respondBadRequest(c, "addresses must not be empty")
	}

	imported, err := h.Service.BulkImport(c.Context(), institutionID, payload.Addresses)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"imported": imported},
	})
}

func (h *AddressHandler) GetAddress(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	address, err := h.Service.GetAddress(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, address)
}

func (h *AddressHandler) ListAddresses(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Query("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId query parameter must be a valid UUID")
	}
	activeOnly := c.QueryBool("active", true)

	addresses, err := h.Service.ListAddresses(c.Context(), institutionID, activeOnly)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, addresses)
}

func (h *AddressHandler) UpdateAddress(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	var address models.MemberAddress
	if err := c.BodyParser(&address); err != nil {
		return respondBadRequest(c, "invalid address payload")
	}
	address.ID = id

	if err := h.Service.UpdateAddress(c.Context(), &address); err != nil {
		return respondError(c, err)
	}
	return respondData(c, address)
}

// DeleteAddress soft-deletes so past alerts keep a valid address reference
func (h *AddressHandler) DeleteAddress(c *fiber.Ctx) error {
	id, ok := parseUUID(c.Params("id"))
	if !ok {
		return respondBadRequest(c, "id must be a valid UUID")
	}

	if err := h.Service.SoftDeleteAddress(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return respondData(c, fiber.Map{"id": id, "active": false})
}
