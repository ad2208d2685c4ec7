package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// ScanOptions tune a single scan run.
type ScanOptions struct {
	// ForceRescan ignores the lookback window and evaluates every active
	// listing regardless of its listed date.
	ForceRescan bool `json:"force_rescan"`
	// Priority restricts the run to addresses of the given tier. Empty
	// scans every active address.
	Priority string `json:"priority,omitempty"`
}

// Narrow views of the stores the orchestrator composes. Concrete services
// satisfy them; tests substitute fakes.
type institutionGetter interface {
	GetActiveInstitution(ctx context.Context, id uuid.UUID) (*models.Institution, error)
}

type addressStreamer interface {
	StreamActive(ctx context.Context, institutionID uuid.UUID) (<-chan models.MemberAddress, <-chan error)
}

type scanTracker interface {
	TryClaimScan(ctx context.Context, institutionID uuid.UUID, scanType string) (*models.ScanLog, error)
	MarkInProgress(ctx context.Context, scanID uuid.UUID) error
	IncrementCounters(ctx context.Context, scanID uuid.UUID, counters models.ScanCounters) error
	CompleteScan(ctx context.Context, scanID uuid.UUID, status string, errorMessage *string) (*models.ScanLog, error)
	GetScan(ctx context.Context, scanID uuid.UUID) (*models.ScanLog, error)
}

type alertWriter interface {
	CreateAlert(ctx context.Context, alert *models.PropertyAlert) error
}

type alertDispatcher interface {
	Dispatch(ctx context.Context, alert models.PropertyAlert, institution *models.Institution) []models.DeliveryResult
}

// SourceFactory builds the listing source for an institution's scan config.
type SourceFactory func(scanConfig models.ScanConfig) (ListingSource, error)

// geoBatch is the unit of work inside a scan: all tracked addresses that
// share a city and state, queried against the listing source together.
type geoBatch struct {
	geo       GeoFilter
	addresses []models.MemberAddress
}

// ScanOrchestrator runs the end-to-end scan pipeline for an institution:
// claim the scan slot, stream the address book, query the listing source per
// geography batch under a bounded worker pool, match, persist alerts and
// hand them to the dispatcher. One active scan per institution, enforced in
// the database so multiple orchestrator instances cannot double-scan.
type ScanOrchestrator struct {
	institutions institutionGetter
	addresses    addressStreamer
	scanLogs     scanTracker
	alerts       alertWriter
	matchEngine  *MatchEngine
	dispatcher   alertDispatcher
	newSource    SourceFactory
	cfg          shared.ScanBatchConfig
	metrics      *shared.ServiceMetrics

	mutex       sync.Mutex
	activeScans map[uuid.UUID]context.CancelFunc
}

// NewScanOrchestrator wires the scan pipeline
func NewScanOrchestrator(
	institutions institutionGetter,
	addresses addressStreamer,
	scanLogs scanTracker,
	alerts alertWriter,
	matchEngine *MatchEngine,
	dispatcher alertDispatcher,
	newSource SourceFactory,
	cfg shared.ScanBatchConfig,
) *ScanOrchestrator {
	return &ScanOrchestrator{
		institutions: institutions,
		addresses:    addresses,
		scanLogs:     scanLogs,
		alerts:       alerts,
		matchEngine:  matchEngine,
		dispatcher:   dispatcher,
		newSource:    newSource,
		cfg:          cfg,
		metrics:      shared.NewServiceMetrics("scan-orchestrator"),
		activeScans:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Metrics exposes scan metrics for the admin endpoint
func (o *ScanOrchestrator) Metrics() *shared.ServiceMetrics {
	return o.metrics
}

// StartScan claims the institution's scan slot and launches the scan in the
// background, returning the claimed scan record immediately. A second start
// while a scan is active fails with a conflict; an unknown or deactivated
// institution fails with not-found.
func (o *ScanOrchestrator) StartScan(ctx context.Context, institutionID uuid.UUID, scanType string, opts ScanOptions) (*models.ScanLog, error) {
	institution, err := o.institutions.GetActiveInstitution(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	scanLog, err := o.scanLogs.TryClaimScan(ctx, institutionID, scanType)
	if err != nil {
		return nil, err
	}

	// The scan outlives the HTTP request that started it.
	scanCtx, cancel := context.WithCancel(context.Background())
	o.mutex.Lock()
	o.activeScans[scanLog.ID] = cancel
	o.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"component":      "ScanOrchestrator",
		"scan_id":        scanLog.ID,
		"institution_id": institutionID,
		"scan_type":      scanType,
		"force_rescan":   opts.ForceRescan,
		"priority":       opts.Priority,
	}).Info("Scan claimed, starting run")

	go o.runScan(scanCtx, scanLog.ID, institution, opts)

	return scanLog, nil
}

// StopScan cancels a running scan and finalizes its record. Stopping a scan
// that already finished is an invalid-state error; an unknown scan id is
// not-found.
func (o *ScanOrchestrator) StopScan(ctx context.Context, scanID uuid.UUID) (*models.ScanLog, error) {
	scanLog, err := o.scanLogs.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scanLog.IsTerminal() {
		return nil, shared.NewInvalidStateError(
			fmt.Sprintf("scan %s already finished with status %s", scanID, scanLog.Status),
			"scan-orchestrator", "StopScan")
	}

	o.mutex.Lock()
	cancel, running := o.activeScans[scanID]
	o.mutex.Unlock()
	if running {
		cancel()
	}

	message := "scan stopped by user"
	stopped, err := o.scanLogs.CompleteScan(ctx, scanID, models.ScanStatusCompleted, &message)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"component":      "ScanOrchestrator",
		"scan_id":        scanID,
		"institution_id": stopped.InstitutionID,
	}).Info("Scan stopped by request")

	return stopped, nil
}

// runScan executes the pipeline for one claimed scan
func (o *ScanOrchestrator) runScan(ctx context.Context, scanID uuid.UUID, institution *models.Institution, opts ScanOptions) {
	startTime := time.Now()
	logger := logrus.WithFields(logrus.Fields{
		"component":      "ScanOrchestrator",
		"scan_id":        scanID,
		"institution_id": institution.ID,
	})

	defer func() {
		o.mutex.Lock()
		if cancel, ok := o.activeScans[scanID]; ok {
			cancel()
			delete(o.activeScans, scanID)
		}
		o.mutex.Unlock()
	}()

	if err := o.scanLogs.MarkInProgress(ctx, scanID); err != nil {
		logger.WithError(err).Error("Failed to mark scan in progress")
		o.finalizeScan(scanID, models.ScanStatusFailed, err.Error(), startTime, logger)
		return
	}

	batches, err := o.collectBatches(ctx, institution, opts)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Scan cancelled while streaming addresses")
			return
		}
		logger.WithError(err).Error("Failed to stream institution addresses")
		o.finalizeScan(scanID, models.ScanStatusFailed, err.Error(), startTime, logger)
		return
	}

	if len(batches) == 0 {
		logger.Info("Institution has no active addresses, completing empty scan")
		o.finalizeScan(scanID, models.ScanStatusCompleted, "", startTime, logger)
		return
	}

	source, err := o.newSource(institution.ScanConfig)
	if err != nil {
		logger.WithError(err).Error("Failed to build listing source")
		o.finalizeScan(scanID, models.ScanStatusFailed, err.Error(), startTime, logger)
		return
	}

	date := DateFilter{}
	if !opts.ForceRescan {
		lookbackDays := institution.ScanConfig.LookbackDays
		if lookbackDays <= 0 {
			lookbackDays = o.cfg.LookbackDays
		}
		date.ListedAfter = time.Now().AddDate(0, 0, -lookbackDays)
	}

	concurrency := institution.ScanConfig.MaxConcurrency
	if concurrency <= 0 {
		concurrency = o.cfg.MaxConcurrency
	}

	logger.WithFields(logrus.Fields{
		"batches":        len(batches),
		"concurrency":    concurrency,
		"listing_source": source.Name(),
		"listed_after":   date.ListedAfter,
	}).Info("Scanning geography batches")

	var waitGroup sync.WaitGroup
	semaphore := make(chan struct{}, concurrency)
	var failureMutex sync.Mutex
	var permanentFailure error

	for _, batch := range batches {
		if ctx.Err() != nil {
			break
		}

		waitGroup.Add(1)
		semaphore <- struct{}{}
		go func(batch geoBatch) {
			defer waitGroup.Done()
			defer func() { <-semaphore }()

			counters, err := o.scanBatch(ctx, scanID, institution, source, batch, date, logger)
			if err := o.scanLogs.IncrementCounters(context.Background(), scanID, counters); err != nil {
				logger.WithError(err).Warn("Failed to flush scan counters")
			}
			if err != nil && shared.IsPermanent(err) {
				failureMutex.Lock()
				if permanentFailure == nil {
					permanentFailure = err
				}
				failureMutex.Unlock()
			}
		}(batch)
	}
	waitGroup.Wait()

	if ctx.Err() != nil {
		// StopScan already finalized the record.
		logger.Info("Scan cancelled mid-run")
		return
	}

	if permanentFailure != nil {
		logger.WithError(permanentFailure).Error("Scan aborted on permanent listing source failure")
		o.finalizeScan(scanID, models.ScanStatusFailed, permanentFailure.Error(), startTime, logger)
		return
	}

	o.finalizeScan(scanID, models.ScanStatusCompleted, "", startTime, logger)
}

// finalizeScan moves the scan to a terminal status. A lost race against
// StopScan leaves the stopped record intact.
func (o *ScanOrchestrator) finalizeScan(scanID uuid.UUID, status, errorMessage string, startTime time.Time, logger *logrus.Entry) {
	var messagePtr *string
	if errorMessage != "" {
		messagePtr = &errorMessage
	}

	finished, err := o.scanLogs.CompleteScan(context.Background(), scanID, status, messagePtr)
	if err != nil {
		if shared.IsInvalidState(err) {
			logger.Debug("Scan already finalized elsewhere")
		} else {
			logger.WithError(err).Error("Failed to finalize scan")
		}
		o.metrics.RecordRequest(false, time.Since(startTime))
		return
	}

	logger.WithFields(logrus.Fields{
		"status":             finished.Status,
		"addresses_scanned":  finished.AddressesScanned,
		"alerts_generated":   finished.AlertsGenerated,
		"api_calls_made":     finished.APICallsMade,
		"errors_encountered": finished.ErrorsEncountered,
		"duration":           time.Since(startTime),
	}).Info("Scan finished")

	o.metrics.RecordRequest(status == models.ScanStatusCompleted, time.Since(startTime))
}

// collectBatches drains the address stream and groups addresses by city and
// state, applying the priority filter when one was requested
func (o *ScanOrchestrator) collectBatches(ctx context.Context, institution *models.Institution, opts ScanOptions) ([]geoBatch, error) {
	addressCh, errCh := o.addresses.StreamActive(ctx, institution.ID)

	groups := make(map[string]*geoBatch)
	for address := range addressCh {
		if opts.Priority != "" && address.PriorityTier != opts.Priority {
			continue
		}

		key := strings.ToLower(address.City) + "|" + strings.ToLower(address.State)
		group, exists := groups[key]
		if !exists {
			group = &geoBatch{geo: GeoFilter{City: address.City, State: address.State}}
			groups[key] = group
		}
		group.addresses = append(group.addresses, address)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	batches := make([]geoBatch, 0, len(groups))
	for _, group := range groups {
		batches = append(batches, *group)
	}
	return batches, nil
}

// scanBatch queries the listing source for one geography and matches every
// returned listing against the batch's addresses. Transient source failures
// are retried with backoff; after the retry budget the batch is skipped and
// counted as an error so the rest of the scan continues.
func (o *ScanOrchestrator) scanBatch(
	ctx context.Context,
	scanID uuid.UUID,
	institution *models.Institution,
	source ListingSource,
	batch geoBatch,
	date DateFilter,
	logger *logrus.Entry,
) (models.ScanCounters, error) {
	counters := models.ScanCounters{AddressesScanned: int64(len(batch.addresses))}
	minConfidence := institution.NotificationSettings.MinConfidence
	if minConfidence == "" {
		minConfidence = models.ConfidenceMedium
	}

	var lastErr error
	for attempt := 1; attempt <= o.cfg.BatchRetries; attempt++ {
		if attempt > 1 {
			backoff := shared.BackoffDuration(attempt-1, o.cfg.RetryBackoffBase)
			select {
			case <-ctx.Done():
				return counters, nil
			case <-time.After(backoff):
			}
		}

		calls, err := ForEachListing(ctx, source, batch.geo, date, func(listing models.PropertyListing) error {
			match := o.matchEngine.Match(listing, batch.addresses, minConfidence)
			if match == nil {
				return nil
			}
			if err := o.emitAlert(ctx, institution, listing, match); err != nil {
				logger.WithError(err).WithField("geo", batch.geo.String()).Warn("Failed to persist alert")
				counters.ErrorsEncountered++
				return nil
			}
			counters.AlertsGenerated++
			return nil
		})
		counters.APICallsMade += calls

		if err == nil {
			return counters, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return counters, nil
		}
		if shared.IsPermanent(err) {
			logger.WithError(err).WithField("geo", batch.geo.String()).Error("Permanent listing source failure")
			counters.ErrorsEncountered++
			return counters, err
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"geo":     batch.geo.String(),
			"attempt": attempt,
		}).Warn("Transient listing source failure")
	}

	// Retry budget exhausted for this geography only.
	counters.ErrorsEncountered++
	logger.WithError(lastErr).WithField("geo", batch.geo.String()).Error("Skipping geography batch after retries")
	return counters, nil
}

// emitAlert persists the alert and hands it to the dispatcher without
// blocking the scan on delivery
func (o *ScanOrchestrator) emitAlert(ctx context.Context, institution *models.Institution, listing models.PropertyListing, match *MatchResult) error {
	alert := models.PropertyAlert{
		InstitutionID: institution.ID,
		AddressID:     match.Address.ID,
		MemberRef:     match.Address.MemberRef,
		Confidence:    match.Confidence,
		Method:        match.Method,
		Listing:       listing.Snapshot(),
	}

	if err := o.alerts.CreateAlert(ctx, &alert); err != nil {
		return err
	}

	go func() {
		dispatchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		o.dispatcher.Dispatch(dispatchCtx, alert, institution)
	}()

	return nil
}
