package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/propalert/market-alert-backend/models"
	"github.com/sirupsen/logrus"
)

// CSVChannel appends alerts to a per-institution export file so institutions
// without webhook or email integration can pick up a daily file drop.
type CSVChannel struct {
	exportDir string
}

// NewCSVChannel creates a CSV export channel writing under exportDir
func NewCSVChannel(exportDir string) *CSVChannel {
	return &CSVChannel{exportDir: exportDir}
}

// Name returns the channel identifier
func (c *CSVChannel) Name() string {
	return models.DeliveryMethodCSV
}

var csvExportHeader = []string{
	"alert_id", "institution_id", "member_ref", "confidence", "method",
	"listing_address", "price", "listing_status", "mls_number", "created_at",
}

// exportFilePath returns one file per institution per day
func (c *CSVChannel) exportFilePath(institution *models.Institution, now time.Time) string {
	fileName := fmt.Sprintf("alerts_%s_%s.csv", institution.ID, now.Format("2006-01-02"))
	return filepath.Join(c.exportDir, fileName)
}

// Deliver appends one row per alert to the institution's export file for the
// current day, writing the header when the file is new
func (c *CSVChannel) Deliver(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert) models.DeliveryResult {
	result := models.DeliveryResult{
		Channel:     models.DeliveryMethodCSV,
		Attempts:    1,
		DeliveredAt: time.Now(),
	}

	if err := ctx.Err(); err != nil {
		result.Status = models.DeliveryStatusSkipped
		result.Reason = "context cancelled before export"
		return result
	}

	if err := os.MkdirAll(c.exportDir, 0o755); err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "export directory unavailable: " + err.Error()
		return result
	}

	path := c.exportFilePath(institution, time.Now())
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "export file open failed: " + err.Error()
		return result
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "export file stat failed: " + err.Error()
		return result
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(csvExportHeader); err != nil {
			result.Status = models.DeliveryStatusFailed
			result.Reason = "header write failed: " + err.Error()
			return result
		}
	}

	for _, alert := range alerts {
		price := ""
		if alert.Listing.Price != nil {
			price = strconv.FormatFloat(*alert.Listing.Price, 'f', 2, 64)
		}
		row := []string{
			alert.ID.String(),
			alert.InstitutionID.String(),
			alert.MemberRef,
			string(alert.Confidence),
			string(alert.Method),
			alert.Listing.Address,
			price,
			alert.Listing.Status,
			alert.Listing.MLSNumber,
			alert.CreatedAt.Format(time.RFC3339),
		}
		if err := writer.Write(row); err != nil {
			result.Status = models.DeliveryStatusFailed
			result.Reason = "row write failed: " + err.Error()
			return result
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "flush failed: " + err.Error()
		return result
	}

	logrus.WithFields(logrus.Fields{
		"component":      "CSVChannel",
		"institution_id": institution.ID,
		"alert_count":    len(alerts),
		"export_file":    path,
	}).Info("CSV export succeeded")

	result.Status = models.DeliveryStatusSuccess
	result.DeliveredAt = time.Now()
	return result
}
