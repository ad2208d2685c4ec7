package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/shared"
)

// statusForError maps the service error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case shared.IsNotFound(err):
		return fiber.StatusNotFound
	case shared.IsConflict(err):
		return fiber.StatusConflict
	case shared.IsInvalidState(err):
		return fiber.StatusConflict
	case shared.IsPermanent(err):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusForError(err)).JSON(fiber.Map{
		"success": false,
		"error":   err.Error(),
	})
}

func respondBadRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

func respondData(c *fiber.Ctx, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// parseUUID reads and validates a UUID from a path param or query value.
func parseUUID(value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	return id, err == nil
}
