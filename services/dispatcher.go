package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// NotificationChannel delivers a batch of alerts to one destination. Each
// call returns a single result covering the whole batch.
type NotificationChannel interface {
	Name() string
	Deliver(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert) models.DeliveryResult
}

// deliveryRecorder is the slice of the alert store the dispatcher writes to.
type deliveryRecorder interface {
	RecordDeliveryResults(ctx context.Context, alertID uuid.UUID, results []models.DeliveryResult) error
	MarkProcessed(ctx context.Context, alertID uuid.UUID) error
}

// batchableMethods are the channels that may be coalesced into one combined
// delivery. Webhook stays an immediate per-alert POST even when the
// institution batches.
var batchableMethods = map[string]bool{
	models.DeliveryMethodEmail: true,
	models.DeliveryMethodCSV:   true,
}

// alertBatch buffers alerts for one institution until its batch window
// closes or the batch reaches its size limit. pending holds each alert's
// already-delivered immediate results so the flush can record the combined
// outcome.
type alertBatch struct {
	institution *models.Institution
	alerts      []models.PropertyAlert
	pending     [][]models.DeliveryResult
	timer       *time.Timer
}

// Dispatcher routes alerts to every delivery channel the institution has
// enabled. Channels are isolated: a failure in one is recorded and never
// prevents the others from running. Institutions with batching enabled get
// their alerts coalesced into one delivery per batch window.
type Dispatcher struct {
	channels     map[string]NotificationChannel
	alertService deliveryRecorder
	cfg          shared.DispatchConfig
	metrics      *shared.ServiceMetrics

	mutex   sync.Mutex
	batches map[uuid.UUID]*alertBatch
	closed  bool
}

// NewDispatcher creates a dispatcher with the given channels registered
func NewDispatcher(alertService deliveryRecorder, cfg shared.DispatchConfig, channels ...NotificationChannel) *Dispatcher {
	d := &Dispatcher{
		channels:     make(map[string]NotificationChannel),
		alertService: alertService,
		cfg:          cfg,
		metrics:      shared.NewServiceMetrics("notification-dispatcher"),
		batches:      make(map[uuid.UUID]*alertBatch),
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}
	return d
}

// Metrics exposes dispatch metrics for the admin endpoint
func (d *Dispatcher) Metrics() *shared.ServiceMetrics {
	return d.metrics
}

// Dispatch delivers the alert to every configured channel. For batching
// institutions only the email/CSV channels are buffered; webhook is
// delivered immediately and its result returned, with the buffered
// channels' results recorded when the batch flushes.
func (d *Dispatcher) Dispatch(ctx context.Context, alert models.PropertyAlert, institution *models.Institution) []models.DeliveryResult {
	methods := institution.NotificationSettings.DeliveryMethods

	var immediate, deferred []string
	if institution.NotificationSettings.EnableBatching {
		for _, method := range methods {
			if batchableMethods[method] {
				deferred = append(deferred, method)
			} else {
				immediate = append(immediate, method)
			}
		}
	} else {
		immediate = methods
	}

	results := d.deliverMethods(ctx, institution, []models.PropertyAlert{alert}, immediate)

	if len(deferred) > 0 {
		d.enqueue(alert, institution, results)
		return results
	}

	d.recordResults(ctx, []models.PropertyAlert{alert}, results, nil)
	return results
}

// enqueue buffers the alert into the institution's open batch, starting the
// flush timer on the first alert and flushing early at the size limit
func (d *Dispatcher) enqueue(alert models.PropertyAlert, institution *models.Institution, immediateResults []models.DeliveryResult) {
	d.mutex.Lock()

	if d.closed {
		d.mutex.Unlock()
		logrus.WithFields(logrus.Fields{
			"component": "Dispatcher",
			"alert_id":  alert.ID,
		}).Warn("Dispatcher closed, skipping batched channels for alert")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.recordResults(ctx, []models.PropertyAlert{alert}, immediateResults, nil)
		return
	}

	batch, exists := d.batches[institution.ID]
	if !exists {
		timeout := time.Duration(institution.NotificationSettings.BatchTimeoutMinutes) * time.Minute
		if timeout <= 0 {
			timeout = d.cfg.DefaultBatchTimeout
		}
		institutionID := institution.ID
		batch = &alertBatch{institution: institution}
		batch.timer = time.AfterFunc(timeout, func() {
			d.flushInstitution(institutionID)
		})
		d.batches[institution.ID] = batch
	}
	batch.alerts = append(batch.alerts, alert)
	batch.pending = append(batch.pending, immediateResults)

	maxSize := institution.NotificationSettings.BatchMaxSize
	if maxSize <= 0 {
		maxSize = d.cfg.DefaultBatchMaxSize
	}
	full := len(batch.alerts) >= maxSize
	d.mutex.Unlock()

	if full {
		d.flushInstitution(institution.ID)
	}
}

// flushInstitution delivers and clears the institution's pending batch
func (d *Dispatcher) flushInstitution(institutionID uuid.UUID) {
	d.mutex.Lock()
	batch, exists := d.batches[institutionID]
	if exists {
		delete(d.batches, institutionID)
		batch.timer.Stop()
	}
	d.mutex.Unlock()

	if !exists || len(batch.alerts) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"component":      "Dispatcher",
		"institution_id": institutionID,
		"alert_count":    len(batch.alerts),
	}).Info("Flushing alert batch")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var deferred []string
	for _, method := range batch.institution.NotificationSettings.DeliveryMethods {
		if batchableMethods[method] {
			deferred = append(deferred, method)
		}
	}

	results := d.deliverMethods(ctx, batch.institution, batch.alerts, deferred)
	d.recordResults(ctx, batch.alerts, results, batch.pending)
}

// deliverMethods runs the listed channels against the batch, one result per
// channel, in the order the institution lists its delivery methods
func (d *Dispatcher) deliverMethods(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert, methods []string) []models.DeliveryResult {
	if len(methods) == 0 {
		return nil
	}
	startTime := time.Now()

	var results []models.DeliveryResult
	allSucceeded := true
	for _, method := range methods {
		channel, registered := d.channels[method]
		if !registered {
			results = append(results, models.DeliveryResult{
				Channel:     method,
				Status:      models.DeliveryStatusSkipped,
				Reason:      "unknown delivery method",
				DeliveredAt: time.Now(),
			})
			continue
		}

		result := d.deliverOne(ctx, channel, institution, alerts)
		if result.Status == models.DeliveryStatusFailed {
			allSucceeded = false
		}
		results = append(results, result)
	}

	d.metrics.RecordRequest(allSucceeded, time.Since(startTime))
	return results
}

// deliverOne invokes a single channel, converting a channel panic into a
// failed result so one misbehaving channel cannot take down the batch
func (d *Dispatcher) deliverOne(ctx context.Context, channel NotificationChannel, institution *models.Institution, alerts []models.PropertyAlert) (result models.DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"component": "Dispatcher",
				"channel":   channel.Name(),
				"panic":     r,
			}).Error("Delivery channel panicked")
			result = models.DeliveryResult{
				Channel:     channel.Name(),
				Status:      models.DeliveryStatusFailed,
				Reason:      "channel panic",
				Attempts:    1,
				DeliveredAt: time.Now(),
			}
		}
	}()

	return channel.Deliver(ctx, institution, alerts)
}

// recordResults writes each alert's combined channel outcomes. pending, when
// set, holds per-alert results delivered before the batch flushed and is
// prepended to the shared results. Alerts that end up with no results at all
// are marked processed so they do not stay pending forever.
func (d *Dispatcher) recordResults(ctx context.Context, alerts []models.PropertyAlert, results []models.DeliveryResult, pending [][]models.DeliveryResult) {
	for i, alert := range alerts {
		combined := results
		if pending != nil && len(pending[i]) > 0 {
			combined = append(append([]models.DeliveryResult{}, pending[i]...), results...)
		}

		var err error
		if len(combined) == 0 {
			err = d.alertService.MarkProcessed(ctx, alert.ID)
		} else {
			err = d.alertService.RecordDeliveryResults(ctx, alert.ID, combined)
		}
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"component": "Dispatcher",
				"alert_id":  alert.ID,
			}).Error("Failed to record delivery results")
		}
	}
}

// PendingBatchCount reports how many institutions have an open batch
func (d *Dispatcher) PendingBatchCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.batches)
}

// Close flushes every pending batch and stops accepting buffered alerts.
// Called on shutdown so buffered alerts are not lost.
func (d *Dispatcher) Close() {
	d.mutex.Lock()
	d.closed = true
	pending := make([]uuid.UUID, 0, len(d.batches))
	for institutionID := range d.batches {
		pending = append(pending, institutionID)
	}
	d.mutex.Unlock()

	for _, institutionID := range pending {
		d.flushInstitution(institutionID)
	}

	logrus.WithFields(logrus.Fields{
		"component":       "Dispatcher",
		"flushed_batches": len(pending),
	}).Info("Dispatcher closed")
}
