package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// webhookPayload is the JSON body posted to the institution's webhook URL.
// One payload can carry several alerts when batching is enabled.
type webhookPayload struct {
	Event         string                 `json:"event"`
	InstitutionID string                 `json:"institution_id"`
	AlertCount    int                    `json:"alert_count"`
	Alerts        []models.PropertyAlert `json:"alerts"`
	SentAt        time.Time              `json:"sent_at"`
}

// WebhookChannel delivers alerts via HTTP POST. Transient failures are
// retried with backoff; a per institution circuit breaker short-circuits
// deliveries once the endpoint has failed repeatedly.
type WebhookChannel struct {
	clientFactory *shared.HTTPClientFactory
	breaker       *shared.CircuitBreaker
	timeout       time.Duration
	maxRetries    int
	metrics       *shared.ServiceMetrics
}

// NewWebhookChannel creates a webhook delivery channel
func NewWebhookChannel(clientFactory *shared.HTTPClientFactory, breaker *shared.CircuitBreaker, cfg shared.DispatchConfig) *WebhookChannel {
	return &WebhookChannel{
		clientFactory: clientFactory,
		breaker:       breaker,
		timeout:       cfg.WebhookTimeout,
		maxRetries:    cfg.WebhookMaxRetries,
		metrics:       shared.NewServiceMetrics("webhook-channel"),
	}
}

// Name returns the channel identifier
func (c *WebhookChannel) Name() string {
	return models.DeliveryMethodWebhook
}

// Metrics exposes delivery metrics for the admin endpoint
func (c *WebhookChannel) Metrics() *shared.ServiceMetrics {
	return c.metrics
}

// Deliver posts the alerts to the institution's webhook URL and returns one
// result covering the whole batch
func (c *WebhookChannel) Deliver(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert) models.DeliveryResult {
	startTime := time.Now()
	result := models.DeliveryResult{
		Channel:     models.DeliveryMethodWebhook,
		DeliveredAt: time.Now(),
	}

	if institution.WebhookURL == nil || *institution.WebhookURL == "" {
		result.Status = models.DeliveryStatusSkipped
		result.Reason = "no webhook URL configured"
		return result
	}

	breakerKey := shared.BreakerKey(institution.ID.String(), models.DeliveryMethodWebhook)
	if !c.breaker.Allow(ctx, breakerKey) {
		logrus.WithFields(logrus.Fields{
			"component":      "WebhookChannel",
			"institution_id": institution.ID,
			"alert_count":    len(alerts),
		}).Warn("Webhook delivery skipped, circuit breaker open")
		result.Status = models.DeliveryStatusSkipped
		result.Reason = "circuit-open"
		return result
	}

	payload := webhookPayload{
		Event:         "property.alert",
		InstitutionID: institution.ID.String(),
		AlertCount:    len(alerts),
		Alerts:        alerts,
		SentAt:        time.Now(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "payload marshal failed: " + err.Error()
		return result
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, *institution.WebhookURL, bytes.NewReader(body))
	if err != nil {
		result.Status = models.DeliveryStatusFailed
		result.Reason = "request build failed: " + err.Error()
		return result
	}
	request.Header.Set("Content-Type", "application/json")
	for name, value := range institution.NotificationSettings.WebhookHeaders {
		request.Header.Set(name, value)
	}
	if auth := institution.NotificationSettings.WebhookAuthHeader; auth != "" {
		request.Header.Set("Authorization", auth)
	}

	client := c.clientFactory.CreateOptimizedHTTPClient(c.timeout)
	response, attempts, err := shared.ExecuteHTTPRequestWithRetry(client, request, c.maxRetries)
	result.Attempts = attempts
	if err != nil {
		c.breaker.RecordFailure(ctx, breakerKey)
		c.metrics.RecordRequest(false, time.Since(startTime))

		logrus.WithError(err).WithFields(logrus.Fields{
			"component":      "WebhookChannel",
			"institution_id": institution.ID,
			"alert_count":    len(alerts),
		}).Error("Webhook delivery failed")

		result.Status = models.DeliveryStatusFailed
		result.Reason = err.Error()
		return result
	}
	response.Body.Close()

	c.breaker.RecordSuccess(ctx, breakerKey)
	c.metrics.RecordRequest(true, time.Since(startTime))

	logrus.WithFields(logrus.Fields{
		"component":      "WebhookChannel",
		"institution_id": institution.ID,
		"alert_count":    len(alerts),
		"status_code":    response.StatusCode,
	}).Info("Webhook delivery succeeded")

	result.Status = models.DeliveryStatusSuccess
	result.DeliveredAt = time.Now()
	return result
}
