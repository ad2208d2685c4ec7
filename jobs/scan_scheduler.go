package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/services"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// scanStarter is the slice of the orchestrator the scheduler needs.
type scanStarter interface {
	StartScan(ctx context.Context, institutionID uuid.UUID, scanType string, opts services.ScanOptions) (*models.ScanLog, error)
}

// scheduleStore is the slice of the schedule service the scheduler needs.
type scheduleStore interface {
	ListDue(ctx context.Context, now time.Time) ([]models.ScanSchedule, error)
	MarkRun(ctx context.Context, schedule *models.ScanSchedule, now time.Time) error
}

// ScanSchedulerJob polls for due scan schedules and kicks off scheduled
// scans. A schedule whose institution already has an active scan is skipped
// and retried at its next cron slot.
type ScanSchedulerJob struct {
	Schedules    scheduleStore
	Orchestrator scanStarter
	TickInterval time.Duration

	stop chan struct{}
}

// NewScanSchedulerJob creates the scheduler job
func NewScanSchedulerJob(schedules scheduleStore, orchestrator scanStarter, tickInterval time.Duration) *ScanSchedulerJob {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &ScanSchedulerJob{
		Schedules:    schedules,
		Orchestrator: orchestrator,
		TickInterval: tickInterval,
		stop:         make(chan struct{}),
	}
}

// Start launches the polling loop
func (j *ScanSchedulerJob) Start() {
	logrus.WithField("tick_interval", j.TickInterval).Info("Starting scan scheduler job")
	ticker := time.NewTicker(j.TickInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.Run(time.Now())
			case <-j.stop:
				logrus.Info("Scan scheduler job stopped")
				return
			}
		}
	}()
}

// Stop terminates the polling loop. Scans already started keep running.
func (j *ScanSchedulerJob) Stop() {
	close(j.stop)
}

// Run processes every schedule due at the given instant
func (j *ScanSchedulerJob) Run(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := j.Schedules.ListDue(ctx, now)
	if err != nil {
		logrus.WithError(err).Error("Scan scheduler failed to list due schedules")
		return
	}
	if len(due) == 0 {
		return
	}

	logrus.WithField("due_count", len(due)).Info("Scan scheduler dispatching due scans")

	for i := range due {
		schedule := &due[i]
		j.dispatchOne(ctx, schedule, now)
	}
}

// dispatchOne starts one scheduled scan and advances the schedule. The
// schedule advances even when the start is skipped on conflict, so a
// long-running scan does not pile up start attempts every tick.
func (j *ScanSchedulerJob) dispatchOne(ctx context.Context, schedule *models.ScanSchedule, now time.Time) {
	logger := logrus.WithFields(logrus.Fields{
		"component":      "ScanSchedulerJob",
		"institution_id": schedule.InstitutionID,
		"schedule_id":    schedule.ID,
	})

	_, err := j.Orchestrator.StartScan(ctx, schedule.InstitutionID, models.ScanTypeScheduled, services.ScanOptions{})
	switch {
	case err == nil:
	case shared.IsConflict(err):
		logger.Info("Skipping scheduled scan, institution already has an active scan")
	case shared.IsNotFound(err):
		logger.Warn("Scheduled institution missing or deactivated, skipping")
	default:
		logger.WithError(err).Error("Failed to start scheduled scan")
	}

	if err := j.Schedules.MarkRun(ctx, schedule, now); err != nil {
		logger.WithError(err).Error("Failed to advance scan schedule")
	}
}
