package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
)

// fakeChannel returns a scripted status and records every batch it receives.
type fakeChannel struct {
	name   string
	status string
	panics bool

	mutex   sync.Mutex
	batches [][]models.PropertyAlert
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert) models.DeliveryResult {
	if f.panics {
		panic("scripted channel panic")
	}
	f.mutex.Lock()
	batch := make([]models.PropertyAlert, len(alerts))
	copy(batch, alerts)
	f.batches = append(f.batches, batch)
	f.mutex.Unlock()

	return models.DeliveryResult{Channel: f.name, Status: f.status, Attempts: 1}
}

func (f *fakeChannel) batchCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.batches)
}

func (f *fakeChannel) lastBatchSize() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.batches) == 0 {
		return 0
	}
	return len(f.batches[len(f.batches)-1])
}

// fakeRecorder captures delivery results per alert id.
type fakeRecorder struct {
	mutex     sync.Mutex
	results   map[uuid.UUID][]models.DeliveryResult
	processed []uuid.UUID
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{results: make(map[uuid.UUID][]models.DeliveryResult)}
}

func (f *fakeRecorder) RecordDeliveryResults(ctx context.Context, alertID uuid.UUID, results []models.DeliveryResult) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.results[alertID] = results
	return nil
}

func (f *fakeRecorder) MarkProcessed(ctx context.Context, alertID uuid.UUID) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.processed = append(f.processed, alertID)
	return nil
}

func (f *fakeRecorder) processedCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.processed)
}

func (f *fakeRecorder) resultsFor(alertID uuid.UUID) []models.DeliveryResult {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.results[alertID]
}

func dispatchTestInstitution(methods []string, batching bool, batchMax int) *models.Institution {
	return &models.Institution{
		ID:           uuid.New(),
		Name:         "Test Credit Union",
		ContactEmail: "ops@test-cu.example",
		NotificationSettings: models.NotificationSettings{
			DeliveryMethods: methods,
			EnableBatching:  batching,
			BatchMaxSize:    batchMax,
		},
	}
}

func dispatchTestAlert(institutionID uuid.UUID) models.PropertyAlert {
	return models.PropertyAlert{
		ID:            uuid.New(),
		InstitutionID: institutionID,
		AddressID:     uuid.New(),
		MemberRef:     "member-1",
		Confidence:    models.ConfidenceExact,
		Method:        models.MethodExactAddress,
	}
}

func TestDispatchChannelIsolation(t *testing.T) {
	webhook := &fakeChannel{name: models.DeliveryMethodWebhook, status: models.DeliveryStatusFailed}
	email := &fakeChannel{name: models.DeliveryMethodEmail, status: models.DeliveryStatusSuccess}
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch, webhook, email)

	institution := dispatchTestInstitution([]string{models.DeliveryMethodWebhook, models.DeliveryMethodEmail}, false, 0)
	alert := dispatchTestAlert(institution.ID)

	results := dispatcher.Dispatch(context.Background(), alert, institution)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != models.DeliveryStatusFailed || results[1].Status != models.DeliveryStatusSuccess {
		t.Errorf("unexpected statuses: %s, %s", results[0].Status, results[1].Status)
	}
	if email.batchCount() != 1 {
		t.Error("email channel should run despite webhook failure")
	}
	if got := recorder.resultsFor(alert.ID); len(got) != 2 {
		t.Errorf("expected both results recorded, got %d", len(got))
	}
}

func TestDispatchUnknownMethodSkipped(t *testing.T) {
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch)

	institution := dispatchTestInstitution([]string{"carrier-pigeon"}, false, 0)
	alert := dispatchTestAlert(institution.ID)

	results := dispatcher.Dispatch(context.Background(), alert, institution)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Status != models.DeliveryStatusSkipped {
		t.Errorf("status = %s, want %s", results[0].Status, models.DeliveryStatusSkipped)
	}
}

func TestDispatchNoMethodsMarksProcessed(t *testing.T) {
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch)

	institution := dispatchTestInstitution(nil, false, 0)
	alert := dispatchTestAlert(institution.ID)

	results := dispatcher.Dispatch(context.Background(), alert, institution)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	if recorder.processedCount() != 1 {
		t.Error("alert without delivery methods should still be marked processed")
	}
	if got := recorder.resultsFor(alert.ID); got != nil {
		t.Errorf("expected no delivery results recorded, got %d", len(got))
	}
}

func TestDispatchChannelPanicBecomesFailure(t *testing.T) {
	panicking := &fakeChannel{name: models.DeliveryMethodWebhook, panics: true}
	email := &fakeChannel{name: models.DeliveryMethodEmail, status: models.DeliveryStatusSuccess}
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch, panicking, email)

	institution := dispatchTestInstitution([]string{models.DeliveryMethodWebhook, models.DeliveryMethodEmail}, false, 0)
	results := dispatcher.Dispatch(context.Background(), dispatchTestAlert(institution.ID), institution)

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != models.DeliveryStatusFailed {
		t.Errorf("panicking channel status = %s, want %s", results[0].Status, models.DeliveryStatusFailed)
	}
	if email.batchCount() != 1 {
		t.Error("email channel should run after a panic in the webhook channel")
	}
}

func TestDispatchBatchFlushesAtMaxSize(t *testing.T) {
	email := &fakeChannel{name: models.DeliveryMethodEmail, status: models.DeliveryStatusSuccess}
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch, email)

	institution := dispatchTestInstitution([]string{models.DeliveryMethodEmail}, true, 2)
	first := dispatchTestAlert(institution.ID)
	second := dispatchTestAlert(institution.ID)

	if results := dispatcher.Dispatch(context.Background(), first, institution); results != nil {
		t.Errorf("buffered dispatch should return nil results, got %d", len(results))
	}
	if dispatcher.PendingBatchCount() != 1 {
		t.Fatalf("expected 1 pending batch, got %d", dispatcher.PendingBatchCount())
	}

	dispatcher.Dispatch(context.Background(), second, institution)

	if dispatcher.PendingBatchCount() != 0 {
		t.Error("batch should have flushed at max size")
	}
	if email.batchCount() != 1 || email.lastBatchSize() != 2 {
		t.Errorf("expected one delivery of 2 alerts, got %d deliveries, last size %d",
			email.batchCount(), email.lastBatchSize())
	}
	if got := recorder.resultsFor(first.ID); len(got) != 1 {
		t.Errorf("expected buffered alert's results recorded on flush, got %d", len(got))
	}
	if got := recorder.resultsFor(second.ID); len(got) != 1 {
		t.Errorf("expected second alert's results recorded on flush, got %d", len(got))
	}
}

func TestDispatchBatchingKeepsWebhookImmediate(t *testing.T) {
	webhook := &fakeChannel{name: models.DeliveryMethodWebhook, status: models.DeliveryStatusSuccess}
	email := &fakeChannel{name: models.DeliveryMethodEmail, status: models.DeliveryStatusSuccess}
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch, webhook, email)

	institution := dispatchTestInstitution([]string{models.DeliveryMethodWebhook, models.DeliveryMethodEmail}, true, 10)
	alert := dispatchTestAlert(institution.ID)

	results := dispatcher.Dispatch(context.Background(), alert, institution)

	if len(results) != 1 || results[0].Channel != models.DeliveryMethodWebhook {
		t.Fatalf("expected the webhook result immediately, got %v", results)
	}
	if webhook.batchCount() != 1 || webhook.lastBatchSize() != 1 {
		t.Error("webhook should be delivered per alert, not buffered")
	}
	if email.batchCount() != 0 {
		t.Error("email should stay buffered until the batch flushes")
	}
	if dispatcher.PendingBatchCount() != 1 {
		t.Fatalf("expected 1 pending batch, got %d", dispatcher.PendingBatchCount())
	}

	dispatcher.Close()

	if email.batchCount() != 1 {
		t.Error("email batch should flush on close")
	}
	got := recorder.resultsFor(alert.ID)
	if len(got) != 2 {
		t.Fatalf("expected webhook + email results recorded together, got %d", len(got))
	}
	if got[0].Channel != models.DeliveryMethodWebhook || got[1].Channel != models.DeliveryMethodEmail {
		t.Errorf("recorded channels = %s, %s", got[0].Channel, got[1].Channel)
	}
}

func TestDispatcherCloseFlushesPendingBatches(t *testing.T) {
	email := &fakeChannel{name: models.DeliveryMethodEmail, status: models.DeliveryStatusSuccess}
	recorder := newFakeRecorder()
	dispatcher := NewDispatcher(recorder, shared.NewDefaultUnifiedConfiguration().Dispatch, email)

	institution := dispatchTestInstitution([]string{models.DeliveryMethodEmail}, true, 10)
	alert := dispatchTestAlert(institution.ID)
	dispatcher.Dispatch(context.Background(), alert, institution)

	dispatcher.Close()

	if dispatcher.PendingBatchCount() != 0 {
		t.Error("close should flush all pending batches")
	}
	if email.batchCount() != 1 || email.lastBatchSize() != 1 {
		t.Errorf("expected the buffered alert delivered on close, got %d deliveries", email.batchCount())
	}
	if got := recorder.resultsFor(alert.ID); len(got) != 1 {
		t.Errorf("expected results recorded on close, got %d", len(got))
	}
}
