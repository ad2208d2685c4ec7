package models

import (
	"time"

	"github.com/google/uuid"
)

// Scan types.
const (
	ScanTypeScheduled = "Scheduled"
	ScanTypeManual    = "Manual"
)

// Scan lifecycle statuses. Started and InProgress are the non-terminal
// statuses covered by the per-institution exclusive-claim index.
const (
	ScanStatusStarted    = "Started"
	ScanStatusInProgress = "InProgress"
	ScanStatusCompleted  = "Completed"
	ScanStatusFailed     = "Failed"
)

// ScanLog is one record per scan execution. Mutated only by the owning scan
// until it reaches a terminal status, immutable afterwards.
type ScanLog struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	InstitutionID uuid.UUID `json:"institution_id" gorm:"type:uuid;not null;index"`
	ScanType      string    `json:"scan_type" gorm:"type:varchar(20);not null"`
	Status        string    `json:"status" gorm:"type:varchar(20);not null"`

	AddressesScanned  int64 `json:"addresses_scanned"`
	AlertsGenerated   int64 `json:"alerts_generated"`
	APICallsMade      int64 `json:"api_calls_made"`
	ErrorsEncountered int64 `json:"errors_encountered"`

	ErrorMessage *string    `json:"error_message" gorm:"type:text"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// IsTerminal reports whether the scan has reached a final status.
func (s *ScanLog) IsTerminal() bool {
	return s.Status == ScanStatusCompleted || s.Status == ScanStatusFailed
}

// ScanCounters is a per-batch contribution flushed into the ScanLog with
// server-side increments.
type ScanCounters struct {
	AddressesScanned  int64 `json:"addresses_scanned"`
	AlertsGenerated   int64 `json:"alerts_generated"`
	APICallsMade      int64 `json:"api_calls_made"`
	ErrorsEncountered int64 `json:"errors_encountered"`
}

// IsZero reports whether the counter delta carries nothing to flush.
func (c ScanCounters) IsZero() bool {
	return c.AddressesScanned == 0 && c.AlertsGenerated == 0 &&
		c.APICallsMade == 0 && c.ErrorsEncountered == 0
}

// ScanStats is the aggregate view over an institution's scan history.
type ScanStats struct {
	TotalScans        int64   `json:"total_scans"`
	CompletedScans    int64   `json:"completed_scans"`
	FailedScans       int64   `json:"failed_scans"`
	AddressesScanned  int64   `json:"addresses_scanned"`
	AlertsGenerated   int64   `json:"alerts_generated"`
	APICallsMade      int64   `json:"api_calls_made"`
	ErrorsEncountered int64   `json:"errors_encountered"`
	SuccessRate       float64 `json:"success_rate"`
}
