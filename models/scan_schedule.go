package models

import (
	"time"

	"github.com/google/uuid"
)

// ScanSchedule is a per-institution cron trigger consumed by the scheduler.
type ScanSchedule struct {
	ID             uuid.UUID  `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	InstitutionID  uuid.UUID  `json:"institution_id" gorm:"type:uuid;not null;uniqueIndex"`
	CronExpression string     `json:"cron_expression" gorm:"type:varchar(100);not null"`
	Active         bool       `json:"active" gorm:"default:true"`
	LastRunAt      *time.Time `json:"last_run_at"`
	NextRunAt      *time.Time `json:"next_run_at"`
	CreatedAt      time.Time  `json:"created_at" gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time  `json:"updated_at" gorm:"default:CURRENT_TIMESTAMP"`
}
