package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
)

func webhookTestConfig() shared.DispatchConfig {
	cfg := shared.NewDefaultUnifiedConfiguration().Dispatch
	cfg.WebhookMaxRetries = 1
	cfg.WebhookTimeout = 2 * time.Second
	return cfg
}

func webhookTestInstitution(url string) *models.Institution {
	return &models.Institution{
		ID:           uuid.New(),
		Name:         "Test Credit Union",
		ContactEmail: "ops@test-cu.example",
		WebhookURL:   &url,
		NotificationSettings: models.NotificationSettings{
			DeliveryMethods:   []string{models.DeliveryMethodWebhook},
			WebhookHeaders:    map[string]string{"X-Tenant": "test-cu"},
			WebhookAuthHeader: "Bearer secret-token",
		},
	}
}

func newTestWebhookChannel(threshold int) (*WebhookChannel, *shared.MemoryBreakerStore) {
	store := shared.NewMemoryBreakerStore()
	breaker := shared.NewCircuitBreaker(store, threshold, time.Minute)
	factory := shared.NewHTTPClientFactory(2 * time.Second)
	return NewWebhookChannel(factory, breaker, webhookTestConfig()), store
}

func TestWebhookChannelDeliversPayload(t *testing.T) {
	var received webhookPayload
	var authHeader, tenantHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		tenantHeader = r.Header.Get("X-Tenant")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, _ := newTestWebhookChannel(5)
	institution := webhookTestInstitution(server.URL)
	alert := dispatchTestAlert(institution.ID)

	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})

	if result.Status != models.DeliveryStatusSuccess {
		t.Fatalf("status = %s (%s), want %s", result.Status, result.Reason, models.DeliveryStatusSuccess)
	}
	if received.AlertCount != 1 || len(received.Alerts) != 1 {
		t.Errorf("payload alert count = %d, want 1", received.AlertCount)
	}
	if received.Event != "property.alert" {
		t.Errorf("payload event = %q", received.Event)
	}
	if authHeader != "Bearer secret-token" {
		t.Errorf("auth header = %q", authHeader)
	}
	if tenantHeader != "test-cu" {
		t.Errorf("custom header = %q", tenantHeader)
	}
}

func TestWebhookChannelAcceptsNonOK2xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	channel, _ := newTestWebhookChannel(5)
	institution := webhookTestInstitution(server.URL)

	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{dispatchTestAlert(institution.ID)})

	if result.Status != models.DeliveryStatusSuccess {
		t.Fatalf("status = %s (%s), want %s for a 204 acknowledgement", result.Status, result.Reason, models.DeliveryStatusSuccess)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestWebhookChannelReportsActualAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, _ := newTestWebhookChannel(5)
	institution := webhookTestInstitution(server.URL)

	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{dispatchTestAlert(institution.ID)})

	if result.Status != models.DeliveryStatusSuccess {
		t.Fatalf("status = %s (%s), want %s", result.Status, result.Reason, models.DeliveryStatusSuccess)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestWebhookChannelSkipsWithoutURL(t *testing.T) {
	channel, _ := newTestWebhookChannel(5)
	institution := webhookTestInstitution("")
	institution.WebhookURL = nil

	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{dispatchTestAlert(institution.ID)})
	if result.Status != models.DeliveryStatusSkipped {
		t.Errorf("status = %s, want %s", result.Status, models.DeliveryStatusSkipped)
	}
}

func TestWebhookChannelOpenBreakerSkipsWithoutCall(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	channel, _ := newTestWebhookChannel(2)
	institution := webhookTestInstitution(server.URL)
	alert := dispatchTestAlert(institution.ID)

	// Two failed deliveries trip the breaker.
	for i := 0; i < 2; i++ {
		result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})
		if result.Status != models.DeliveryStatusFailed {
			t.Fatalf("delivery %d status = %s, want %s", i+1, result.Status, models.DeliveryStatusFailed)
		}
	}

	callsBefore := atomic.LoadInt32(&calls)
	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})

	if result.Status != models.DeliveryStatusSkipped {
		t.Fatalf("status = %s, want %s", result.Status, models.DeliveryStatusSkipped)
	}
	if result.Reason != "circuit-open" {
		t.Errorf("reason = %q, want circuit-open", result.Reason)
	}
	if atomic.LoadInt32(&calls) != callsBefore {
		t.Error("open breaker still reached the endpoint")
	}
}

func TestWebhookChannelSuccessResetsBreaker(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	channel, _ := newTestWebhookChannel(3)
	institution := webhookTestInstitution(server.URL)
	alert := dispatchTestAlert(institution.ID)

	channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})

	healthy.Store(true)
	result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})
	if result.Status != models.DeliveryStatusSuccess {
		t.Fatalf("status = %s, want %s", result.Status, models.DeliveryStatusSuccess)
	}

	// The earlier failure must not linger toward the threshold.
	for i := 0; i < 3; i++ {
		result := channel.Deliver(context.Background(), institution, []models.PropertyAlert{alert})
		if result.Status != models.DeliveryStatusSuccess {
			t.Fatalf("post-recovery delivery %d status = %s", i+1, result.Status)
		}
	}
}
