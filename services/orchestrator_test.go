package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
)

type fakeInstitutions struct {
	institution *models.Institution
}

func (f *fakeInstitutions) GetActiveInstitution(_ context.Context, id uuid.UUID) (*models.Institution, error) {
	if f.institution == nil || f.institution.ID != id {
		return nil, shared.NewNotFoundError("institution", id.String(), "test", "GetActiveInstitution")
	}
	return f.institution, nil
}

type fakeAddresses struct {
	addresses []models.MemberAddress
}

func (f *fakeAddresses) StreamActive(ctx context.Context, _ uuid.UUID) (<-chan models.MemberAddress, <-chan error) {
	out := make(chan models.MemberAddress, len(f.addresses)+1)
	errs := make(chan error, 1)
	for _, address := range f.addresses {
		out <- address
	}
	close(out)
	close(errs)
	return out, errs
}

// fakeScanTracker keeps scan records in memory and signals completions.
type fakeScanTracker struct {
	mutex    sync.Mutex
	scans    map[uuid.UUID]*models.ScanLog
	claimErr error
	finished chan *models.ScanLog
}

func newFakeScanTracker() *fakeScanTracker {
	return &fakeScanTracker{
		scans:    make(map[uuid.UUID]*models.ScanLog),
		finished: make(chan *models.ScanLog, 4),
	}
}

func (f *fakeScanTracker) TryClaimScan(_ context.Context, institutionID uuid.UUID, scanType string) (*models.ScanLog, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	scan := &models.ScanLog{
		ID:            uuid.New(),
		InstitutionID: institutionID,
		ScanType:      scanType,
		Status:        models.ScanStatusStarted,
		StartedAt:     time.Now(),
	}
	f.scans[scan.ID] = scan
	copied := *scan
	return &copied, nil
}

func (f *fakeScanTracker) MarkInProgress(_ context.Context, scanID uuid.UUID) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	scan, ok := f.scans[scanID]
	if !ok {
		return shared.NewNotFoundError("scan", scanID.String(), "test", "MarkInProgress")
	}
	scan.Status = models.ScanStatusInProgress
	return nil
}

func (f *fakeScanTracker) IncrementCounters(_ context.Context, scanID uuid.UUID, counters models.ScanCounters) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	scan, ok := f.scans[scanID]
	if !ok {
		return shared.NewNotFoundError("scan", scanID.String(), "test", "IncrementCounters")
	}
	scan.AddressesScanned += counters.AddressesScanned
	scan.AlertsGenerated += counters.AlertsGenerated
	scan.APICallsMade += counters.APICallsMade
	scan.ErrorsEncountered += counters.ErrorsEncountered
	return nil
}

func (f *fakeScanTracker) CompleteScan(_ context.Context, scanID uuid.UUID, status string, errorMessage *string) (*models.ScanLog, error) {
	f.mutex.Lock()
	scan, ok := f.scans[scanID]
	if !ok {
		f.mutex.Unlock()
		return nil, shared.NewNotFoundError("scan", scanID.String(), "test", "CompleteScan")
	}
	if scan.IsTerminal() {
		f.mutex.Unlock()
		return nil, shared.NewInvalidStateError("scan already finished", "test", "CompleteScan")
	}
	scan.Status = status
	scan.ErrorMessage = errorMessage
	copied := *scan
	f.mutex.Unlock()

	f.finished <- &copied
	return &copied, nil
}

func (f *fakeScanTracker) GetScan(_ context.Context, scanID uuid.UUID) (*models.ScanLog, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	scan, ok := f.scans[scanID]
	if !ok {
		return nil, shared.NewNotFoundError("scan", scanID.String(), "test", "GetScan")
	}
	copied := *scan
	return &copied, nil
}

type fakeAlertWriter struct {
	mutex  sync.Mutex
	alerts []models.PropertyAlert
}

func (f *fakeAlertWriter) CreateAlert(_ context.Context, alert *models.PropertyAlert) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	alert.ID = uuid.New()
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeAlertWriter) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.alerts)
}

type fakeDispatcher struct {
	dispatched chan models.PropertyAlert
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{dispatched: make(chan models.PropertyAlert, 16)}
}

func (f *fakeDispatcher) Dispatch(_ context.Context, alert models.PropertyAlert, _ *models.Institution) []models.DeliveryResult {
	f.dispatched <- alert
	return nil
}

// scriptedSource serves listings for every geography, or fails.
type scriptedSource struct {
	listings []models.PropertyListing
	err      error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) QueryListings(_ context.Context, geo GeoFilter, _ DateFilter, pageToken string) (*ListingPage, error) {
	if s.err != nil {
		return nil, s.err
	}
	if pageToken != "" {
		return &ListingPage{}, nil
	}
	return &ListingPage{Listings: s.listings}, nil
}

func orchestratorTestInstitution() *models.Institution {
	return &models.Institution{
		ID:           uuid.New(),
		Name:         "Test Credit Union",
		ContactEmail: "ops@test-cu.example",
		Active:       true,
		NotificationSettings: models.NotificationSettings{
			DeliveryMethods: []string{models.DeliveryMethodWebhook},
			MinConfidence:   models.ConfidenceMedium,
		},
		ScanConfig: models.ScanConfig{
			ListingSource:  models.ListingSourceMock,
			MaxConcurrency: 2,
			LookbackDays:   7,
		},
	}
}

func newTestOrchestrator(
	institution *models.Institution,
	addresses []models.MemberAddress,
	tracker *fakeScanTracker,
	alerts *fakeAlertWriter,
	dispatcher *fakeDispatcher,
	source ListingSource,
) *ScanOrchestrator {
	factory := func(models.ScanConfig) (ListingSource, error) { return source, nil }
	cfg := shared.NewDefaultUnifiedConfiguration().Scan
	cfg.RetryBackoffBase = time.Millisecond
	return NewScanOrchestrator(
		&fakeInstitutions{institution: institution},
		&fakeAddresses{addresses: addresses},
		tracker,
		alerts,
		NewMatchEngine(),
		dispatcher,
		factory,
		cfg,
	)
}

func waitForScan(t *testing.T, tracker *fakeScanTracker) *models.ScanLog {
	t.Helper()
	select {
	case scan := <-tracker.finished:
		return scan
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scan to finish")
		return nil
	}
}

func TestStartScanUnknownInstitution(t *testing.T) {
	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(nil, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	_, err := orchestrator.StartScan(context.Background(), uuid.New(), models.ScanTypeManual, ScanOptions{})
	if !shared.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestStartScanActiveScanConflict(t *testing.T) {
	institution := orchestratorTestInstitution()
	tracker := newFakeScanTracker()
	tracker.claimErr = shared.NewConflictError("scan already active", "test", "TryClaimScan")
	orchestrator := newTestOrchestrator(institution, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	_, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{})
	if !shared.IsConflict(err) {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestScanWithNoAddressesCompletesEmpty(t *testing.T) {
	institution := orchestratorTestInstitution()
	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	scan, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if scan.Status != models.ScanStatusStarted {
		t.Errorf("claimed scan status = %s, want %s", scan.Status, models.ScanStatusStarted)
	}

	finished := waitForScan(t, tracker)
	if finished.Status != models.ScanStatusCompleted {
		t.Errorf("final status = %s, want %s", finished.Status, models.ScanStatusCompleted)
	}
	if finished.AddressesScanned != 0 || finished.AlertsGenerated != 0 {
		t.Errorf("empty scan recorded counters: %+v", finished)
	}
}

func TestScanMatchesAndDispatchesAlert(t *testing.T) {
	institution := orchestratorTestInstitution()
	engine := NewMatchEngine()
	address := models.MemberAddress{
		ID:            uuid.New(),
		InstitutionID: institution.ID,
		MemberRef:     "member-42",
		Street:        "123 Main St",
		City:          "Springfield",
		State:         "IL",
		Zip:           "62704",
	}
	address.NormalizedAddress = engine.NormalizeAddress(address.Street, address.City, address.State, address.Zip)

	source := &scriptedSource{listings: []models.PropertyListing{
		{Street: "123 Main Street", City: "Springfield", State: "IL", Zip: "62704", Status: models.ListingStatusActive},
		{Street: "77 Unrelated Pkwy", City: "Springfield", State: "IL", Zip: "60000", Status: models.ListingStatusActive},
	}}

	tracker := newFakeScanTracker()
	alerts := &fakeAlertWriter{}
	dispatcher := newFakeDispatcher()
	orchestrator := newTestOrchestrator(institution, []models.MemberAddress{address}, tracker, alerts, dispatcher, source)

	if _, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{}); err != nil {
		t.Fatal(err)
	}

	finished := waitForScan(t, tracker)
	if finished.Status != models.ScanStatusCompleted {
		t.Fatalf("final status = %s, want %s", finished.Status, models.ScanStatusCompleted)
	}
	if finished.AddressesScanned != 1 {
		t.Errorf("addresses scanned = %d, want 1", finished.AddressesScanned)
	}
	if finished.AlertsGenerated != 1 {
		t.Errorf("alerts generated = %d, want 1", finished.AlertsGenerated)
	}
	if finished.APICallsMade == 0 {
		t.Error("expected at least one recorded source call")
	}
	if alerts.count() != 1 {
		t.Fatalf("persisted alerts = %d, want 1", alerts.count())
	}

	select {
	case dispatched := <-dispatcher.dispatched:
		if dispatched.MemberRef != "member-42" {
			t.Errorf("dispatched alert for %q, want member-42", dispatched.MemberRef)
		}
		if dispatched.Confidence != models.ConfidenceExact {
			t.Errorf("dispatched confidence = %s, want %s", dispatched.Confidence, models.ConfidenceExact)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for alert dispatch")
	}
}

func TestScanFailsOnPermanentSourceError(t *testing.T) {
	institution := orchestratorTestInstitution()
	address := models.MemberAddress{
		ID:            uuid.New(),
		InstitutionID: institution.ID,
		MemberRef:     "member-1",
		Street:        "123 Main St",
		City:          "Springfield",
		State:         "IL",
		Zip:           "62704",
	}
	source := &scriptedSource{err: shared.NewPermanentError("MISSING_API_KEY", "no API key configured", "test", "QueryListings", nil)}

	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, []models.MemberAddress{address}, tracker, &fakeAlertWriter{}, newFakeDispatcher(), source)

	if _, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{}); err != nil {
		t.Fatal(err)
	}

	finished := waitForScan(t, tracker)
	if finished.Status != models.ScanStatusFailed {
		t.Errorf("final status = %s, want %s", finished.Status, models.ScanStatusFailed)
	}
	if finished.ErrorMessage == nil {
		t.Error("expected an error message on the failed scan")
	}
}

func TestScanSkipsBatchAfterTransientRetries(t *testing.T) {
	institution := orchestratorTestInstitution()
	address := models.MemberAddress{
		ID:            uuid.New(),
		InstitutionID: institution.ID,
		MemberRef:     "member-1",
		Street:        "123 Main St",
		City:          "Springfield",
		State:         "IL",
		Zip:           "62704",
	}
	source := &scriptedSource{err: shared.NewTransientError("HTTP_RETRIES_EXHAUSTED", "upstream flaking", "test", "QueryListings", nil)}

	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, []models.MemberAddress{address}, tracker, &fakeAlertWriter{}, newFakeDispatcher(), source)

	if _, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{}); err != nil {
		t.Fatal(err)
	}

	finished := waitForScan(t, tracker)
	if finished.Status != models.ScanStatusCompleted {
		t.Errorf("final status = %s, want %s (transient failures skip the batch)", finished.Status, models.ScanStatusCompleted)
	}
	if finished.ErrorsEncountered == 0 {
		t.Error("expected the skipped batch to be counted as an error")
	}
}

func TestStopScanFinalizesAsCompleted(t *testing.T) {
	institution := orchestratorTestInstitution()
	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	// Claim directly so no background run races the stop.
	scan, err := tracker.TryClaimScan(context.Background(), institution.ID, models.ScanTypeManual)
	if err != nil {
		t.Fatal(err)
	}

	stopped, err := orchestrator.StopScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != models.ScanStatusCompleted {
		t.Errorf("stopped scan status = %s, want %s", stopped.Status, models.ScanStatusCompleted)
	}
	if stopped.ErrorMessage == nil || *stopped.ErrorMessage != "scan stopped by user" {
		t.Errorf("stopped scan message = %v, want \"scan stopped by user\"", stopped.ErrorMessage)
	}
}

func TestStopScanTerminalIsInvalidState(t *testing.T) {
	institution := orchestratorTestInstitution()
	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	scan, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, ScanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitForScan(t, tracker)

	_, err = orchestrator.StopScan(context.Background(), scan.ID)
	if !shared.IsInvalidState(err) {
		t.Errorf("expected invalid-state error stopping a finished scan, got %v", err)
	}
}

func TestStopScanUnknownIsNotFound(t *testing.T) {
	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(nil, nil, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	_, err := orchestrator.StopScan(context.Background(), uuid.New())
	if !shared.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestScanPriorityFilter(t *testing.T) {
	institution := orchestratorTestInstitution()
	engine := NewMatchEngine()

	high := models.MemberAddress{
		ID: uuid.New(), InstitutionID: institution.ID, MemberRef: "member-high",
		Street: "123 Main St", City: "Springfield", State: "IL", Zip: "62704",
		PriorityTier: models.PriorityTierHigh,
	}
	standard := models.MemberAddress{
		ID: uuid.New(), InstitutionID: institution.ID, MemberRef: "member-std",
		Street: "456 Oak Ave", City: "Portland", State: "OR", Zip: "97201",
		PriorityTier: models.PriorityTierStandard,
	}
	high.NormalizedAddress = engine.NormalizeAddress(high.Street, high.City, high.State, high.Zip)
	standard.NormalizedAddress = engine.NormalizeAddress(standard.Street, standard.City, standard.State, standard.Zip)

	tracker := newFakeScanTracker()
	orchestrator := newTestOrchestrator(institution, []models.MemberAddress{high, standard}, tracker, &fakeAlertWriter{}, newFakeDispatcher(), &scriptedSource{})

	opts := ScanOptions{Priority: models.PriorityTierHigh}
	if _, err := orchestrator.StartScan(context.Background(), institution.ID, models.ScanTypeManual, opts); err != nil {
		t.Fatal(err)
	}

	finished := waitForScan(t, tracker)
	if finished.AddressesScanned != 1 {
		t.Errorf("addresses scanned = %d, want only the high-tier address", finished.AddressesScanned)
	}
}
