package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

const scanHistoryLimitCap = 100

// ScanLogService persists scan lifecycle records. The per-institution
// exclusive claim rides on a partial unique index over non-terminal statuses,
// so claiming is a single atomic INSERT rather than a check-then-act read.
type ScanLogService struct {
	db *sql.DB
}

// NewScanLogService creates a scan log service
func NewScanLogService(db *sql.DB) *ScanLogService {
	return &ScanLogService{db: db}
}

// TryClaimScan atomically creates the Started record for an institution.
// If another non-terminal scan exists the unique index rejects the insert and
// the caller receives a ConflictError, regardless of how many orchestrator
// instances race on the same institution.
func (s *ScanLogService) TryClaimScan(ctx context.Context, institutionID uuid.UUID, scanType string) (*models.ScanLog, error) {
	query := `
		INSERT INTO scan_logs (institution_id, scan_type, status)
		VALUES ($1, $2, $3)
		RETURNING id, started_at`

	scanLog := &models.ScanLog{
		InstitutionID: institutionID,
		ScanType:      scanType,
		Status:        models.ScanStatusStarted,
	}

	err := s.db.QueryRowContext(ctx, query, institutionID, scanType, models.ScanStatusStarted).
		Scan(&scanLog.ID, &scanLog.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, shared.NewConflictError(
				"a scan is already running for institution "+institutionID.String(),
				"scanlog-service", "TryClaimScan")
		}
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "CLAIM_FAILED", "scanlog-service", "TryClaimScan", true)
	}

	logrus.WithFields(logrus.Fields{
		"scan_id":        scanLog.ID,
		"institution_id": institutionID,
		"scan_type":      scanType,
	}).Info("Claimed scan for institution")

	return scanLog, nil
}

// MarkInProgress transitions a freshly claimed scan from Started to InProgress
func (s *ScanLogService) MarkInProgress(ctx context.Context, scanID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scan_logs SET status = $2 WHERE id = $1 AND status = $3`,
		scanID, models.ScanStatusInProgress, models.ScanStatusStarted)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "scanlog-service", "MarkInProgress", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return shared.NewInvalidStateError(
			"scan "+scanID.String()+" is not in Started state",
			"scanlog-service", "MarkInProgress")
	}
	return nil
}

// IncrementCounters flushes a per-batch counter contribution with server-side
// increments, keeping concurrent batch workers race-free and the counters
// monotonically non-decreasing. Terminal records are left untouched: a batch
// worker flushing after a concurrent stop must not mutate a finished scan.
func (s *ScanLogService) IncrementCounters(ctx context.Context, scanID uuid.UUID, counters models.ScanCounters) error {
	if counters.IsZero() {
		return nil
	}

	query := `
		UPDATE scan_logs
		SET addresses_scanned = addresses_scanned + $2,
		    alerts_generated = alerts_generated + $3,
		    api_calls_made = api_calls_made + $4,
		    errors_encountered = errors_encountered + $5
		WHERE id = $1 AND status IN ('Started', 'InProgress')`

	_, err := s.db.ExecContext(ctx, query, scanID,
		counters.AddressesScanned, counters.AlertsGenerated, counters.APICallsMade, counters.ErrorsEncountered)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "COUNTER_UPDATE_FAILED", "scanlog-service", "IncrementCounters", true)
	}
	return nil
}

// CompleteScan moves a non-terminal scan to Completed or Failed. Terminal
// records are immutable: completing an already-terminal scan is an
// invalid_state error and leaves the record untouched.
func (s *ScanLogService) CompleteScan(ctx context.Context, scanID uuid.UUID, status string, errorMessage *string) (*models.ScanLog, error) {
	query := `
		UPDATE scan_logs
		SET status = $2, error_message = $3, completed_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status IN ($4, $5)`

	result, err := s.db.ExecContext(ctx, query, scanID, status, errorMessage,
		models.ScanStatusStarted, models.ScanStatusInProgress)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "scanlog-service", "CompleteScan", true)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, err := s.GetScan(ctx, scanID)
		if err != nil {
			return nil, err
		}
		return nil, shared.NewInvalidStateError(
			"scan "+scanID.String()+" already finished with status "+existing.Status,
			"scanlog-service", "CompleteScan")
	}

	return s.GetScan(ctx, scanID)
}

// GetScan fetches one scan log by id
func (s *ScanLogService) GetScan(ctx context.Context, scanID uuid.UUID) (*models.ScanLog, error) {
	query := `
		SELECT id, institution_id, scan_type, status, addresses_scanned, alerts_generated,
		       api_calls_made, errors_encountered, error_message, started_at, completed_at
		FROM scan_logs WHERE id = $1`

	var scanLog models.ScanLog
	err := s.db.QueryRowContext(ctx, query, scanID).Scan(
		&scanLog.ID, &scanLog.InstitutionID, &scanLog.ScanType, &scanLog.Status,
		&scanLog.AddressesScanned, &scanLog.AlertsGenerated, &scanLog.APICallsMade,
		&scanLog.ErrorsEncountered, &scanLog.ErrorMessage, &scanLog.StartedAt, &scanLog.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, shared.NewNotFoundError("scan", scanID.String(), "scanlog-service", "GetScan")
	}
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "scanlog-service", "GetScan", true)
	}

	return &scanLog, nil
}

// ListRecent returns an institution's scan history, newest first, capped at 100
func (s *ScanLogService) ListRecent(ctx context.Context, institutionID uuid.UUID, limit int) ([]models.ScanLog, error) {
	if limit <= 0 || limit > scanHistoryLimitCap {
		limit = scanHistoryLimitCap
	}

	query := `
		SELECT id, institution_id, scan_type, status, addresses_scanned, alerts_generated,
		       api_calls_made, errors_encountered, error_message, started_at, completed_at
		FROM scan_logs
		WHERE institution_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, institutionID, limit)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "scanlog-service", "ListRecent", true)
	}
	defer rows.Close()

	var scanLogs []models.ScanLog
	for rows.Next() {
		var scanLog models.ScanLog
		err := rows.Scan(
			&scanLog.ID, &scanLog.InstitutionID, &scanLog.ScanType, &scanLog.Status,
			&scanLog.AddressesScanned, &scanLog.AlertsGenerated, &scanLog.APICallsMade,
			&scanLog.ErrorsEncountered, &scanLog.ErrorMessage, &scanLog.StartedAt, &scanLog.CompletedAt)
		if err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "SCAN_FAILED", "scanlog-service", "ListRecent", true)
		}
		scanLogs = append(scanLogs, scanLog)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "scanlog-service", "ListRecent", true)
	}

	return scanLogs, nil
}

// Stats aggregates an institution's scan counters. Success rate counts
// Completed scans over terminal scans; degraded runs (Completed with errors)
// still count as successes, so callers inspect errors_encountered separately.
func (s *ScanLogService) Stats(ctx context.Context, institutionID uuid.UUID) (*models.ScanStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COALESCE(SUM(addresses_scanned), 0),
		       COALESCE(SUM(alerts_generated), 0),
		       COALESCE(SUM(api_calls_made), 0),
		       COALESCE(SUM(errors_encountered), 0)
		FROM scan_logs WHERE institution_id = $1`

	var stats models.ScanStats
	err := s.db.QueryRowContext(ctx, query, institutionID, models.ScanStatusCompleted, models.ScanStatusFailed).Scan(
		&stats.TotalScans, &stats.CompletedScans, &stats.FailedScans,
		&stats.AddressesScanned, &stats.AlertsGenerated, &stats.APICallsMade, &stats.ErrorsEncountered)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "scanlog-service", "Stats", true)
	}

	terminal := stats.CompletedScans + stats.FailedScans
	if terminal > 0 {
		stats.SuccessRate = float64(stats.CompletedScans) / float64(terminal) * 100.0
	}

	return &stats, nil
}
