package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser accepts standard 5-field cron expressions plus @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleService manages per-institution scan schedules. One schedule per
// institution; the scheduler job consumes ListDue and MarkRun.
type ScheduleService struct {
	db *sql.DB
}

// NewScheduleService creates a schedule service
func NewScheduleService(db *sql.DB) *ScheduleService {
	return &ScheduleService{db: db}
}

// NextRunAfter evaluates the cron expression against a reference time
func NextRunAfter(cronExpression string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpression)
	if err != nil {
		return time.Time{}, shared.NewPermanentError("BAD_CRON",
			"invalid cron expression "+cronExpression, "schedule-service", "NextRunAfter", err)
	}
	return schedule.Next(after), nil
}

// UpsertSchedule creates or replaces the institution's schedule and computes
// its initial next-run time
func (s *ScheduleService) UpsertSchedule(ctx context.Context, schedule *models.ScanSchedule) error {
	nextRun, err := NextRunAfter(schedule.CronExpression, time.Now())
	if err != nil {
		return err
	}
	schedule.NextRunAt = &nextRun

	query := `
		INSERT INTO scan_schedules (institution_id, cron_expression, active, next_run_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (institution_id) DO UPDATE
		SET cron_expression = EXCLUDED.cron_expression,
		    active = EXCLUDED.active,
		    next_run_at = EXCLUDED.next_run_at,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		schedule.InstitutionID, schedule.CronExpression, schedule.Active, schedule.NextRunAt,
	).Scan(&schedule.ID, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPSERT_FAILED", "schedule-service", "UpsertSchedule", true)
	}

	logrus.WithFields(logrus.Fields{
		"institution_id":  schedule.InstitutionID,
		"cron_expression": schedule.CronExpression,
		"next_run_at":     schedule.NextRunAt,
	}).Info("Upserted scan schedule")

	return nil
}

// GetSchedule fetches the institution's schedule
func (s *ScheduleService) GetSchedule(ctx context.Context, institutionID uuid.UUID) (*models.ScanSchedule, error) {
	query := `
		SELECT id, institution_id, cron_expression, active, last_run_at, next_run_at, created_at, updated_at
		FROM scan_schedules WHERE institution_id = $1`

	var schedule models.ScanSchedule
	err := s.db.QueryRowContext(ctx, query, institutionID).Scan(
		&schedule.ID, &schedule.InstitutionID, &schedule.CronExpression, &schedule.Active,
		&schedule.LastRunAt, &schedule.NextRunAt, &schedule.CreatedAt, &schedule.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, shared.NewNotFoundError("schedule for institution", institutionID.String(), "schedule-service", "GetSchedule")
	}
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "schedule-service", "GetSchedule", true)
	}

	return &schedule, nil
}

// ListDue returns active schedules whose next run is at or before now
func (s *ScheduleService) ListDue(ctx context.Context, now time.Time) ([]models.ScanSchedule, error) {
	query := `
		SELECT id, institution_id, cron_expression, active, last_run_at, next_run_at, created_at, updated_at
		FROM scan_schedules
		WHERE active AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`

	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "schedule-service", "ListDue", true)
	}
	defer rows.Close()

	var schedules []models.ScanSchedule
	for rows.Next() {
		var schedule models.ScanSchedule
		err := rows.Scan(
			&schedule.ID, &schedule.InstitutionID, &schedule.CronExpression, &schedule.Active,
			&schedule.LastRunAt, &schedule.NextRunAt, &schedule.CreatedAt, &schedule.UpdatedAt)
		if err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "SCAN_FAILED", "schedule-service", "ListDue", true)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryDatabase, "QUERY_FAILED", "schedule-service", "ListDue", true)
	}

	return schedules, nil
}

// MarkRun records a dispatch and advances next_run from now. Missed slots are
// not backfilled: a scheduler outage produces one catch-up run, not a burst.
func (s *ScheduleService) MarkRun(ctx context.Context, schedule *models.ScanSchedule, now time.Time) error {
	nextRun, err := NextRunAfter(schedule.CronExpression, now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scan_schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`, schedule.ID, now, nextRun)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDatabase, "UPDATE_FAILED", "schedule-service", "MarkRun", true)
	}

	schedule.LastRunAt = &now
	schedule.NextRunAt = &nextRun
	return nil
}
