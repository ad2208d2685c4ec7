package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
)

type ScanHandler struct {
	Orchestrator *services.ScanOrchestrator
	ScanLogs     *services.ScanLogService
}

func NewScanHandler(orchestrator *services.ScanOrchestrator, scanLogs *services.ScanLogService) *ScanHandler {
	return &ScanHandler{Orchestrator: orchestrator, ScanLogs: scanLogs}
}

// StartScan kicks off a manual scan for an institution. Returns 409 when the
// institution already has an active scan.
func (h *ScanHandler) StartScan(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Query("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId query parameter must be a valid UUID")
	}

	var opts services.ScanOptions
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&opts); err != nil {
			return respondBadRequest(c, "invalid scan options payload")
		}
	}

	scanLog, err := h.Orchestrator.StartScan(c.Context(), institutionID, models.ScanTypeManual, opts)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, scanLog)
}

// StopScan cancels a running scan. Stopping an already-finished scan
// returns 409.
func (h *ScanHandler) StopScan(c *fiber.Ctx) error {
	scanID, ok := parseUUID(c.Query("scanId"))
	if !ok {
		return respondBadRequest(c, "scanId query parameter must be a valid UUID")
	}

	scanLog, err := h.Orchestrator.StopScan(c.Context(), scanID)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, scanLog)
}

// GetScanStatus returns one scan record
func (h *ScanHandler) GetScanStatus(c *fiber.Ctx) error {
	scanID, ok := parseUUID(c.Params("scanId"))
	if !ok {
		return respondBadRequest(c, "scanId must be a valid UUID")
	}

	scanLog, err := h.ScanLogs.GetScan(c.Context(), scanID)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, scanLog)
}

// GetScanHistory returns recent scans for an institution, newest first
func (h *ScanHandler) GetScanHistory(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Query("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId query parameter must be a valid UUID")
	}
	limit := c.QueryInt("limit", 20)

	scans, err := h.ScanLogs.ListRecent(c.Context(), institutionID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, scans)
}

// GetScanStats returns aggregate scan statistics for an institution
func (h *ScanHandler) GetScanStats(c *fiber.Ctx) error {
	institutionID, ok := parseUUID(c.Query("institutionId"))
	if !ok {
		return respondBadRequest(c, "institutionId query parameter must be a valid UUID")
	}

	stats, err := h.ScanLogs.Stats(c.Context(), institutionID)
	if err != nil {
		return respondError(c, err)
	}
	return respondData(c, stats)
}
