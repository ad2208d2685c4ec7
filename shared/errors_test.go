package shared

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCategoryHelpers(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", NewNotFoundError("institution", "abc", "svc", "op"), IsNotFound},
		{"conflict", NewConflictError("scan already active", "svc", "op"), IsConflict},
		{"transient", NewTransientError("HTTP_RETRIES_EXHAUSTED", "upstream down", "svc", "op", nil), IsTransient},
		{"permanent", NewPermanentError("MISSING_API_KEY", "no key", "svc", "op", nil), IsPermanent},
		{"invalid state", NewInvalidStateError("scan finished", "svc", "op"), IsInvalidState},
	}

	checks := []func(error) bool{IsNotFound, IsConflict, IsTransient, IsPermanent, IsInvalidState}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Errorf("check failed for its own category: %v", tc.err)
			}
			matched := 0
			for _, check := range checks {
				if check(tc.err) {
					matched++
				}
			}
			if matched != 1 {
				t.Errorf("error matched %d categories, want exactly 1", matched)
			}
		})
	}
}

func TestErrorCategoryHelpersSeeThroughWrapping(t *testing.T) {
	inner := NewConflictError("scan already active", "svc", "op")
	wrapped := fmt.Errorf("starting scan: %w", inner)

	if !IsConflict(wrapped) {
		t.Error("IsConflict should unwrap fmt.Errorf chains")
	}
	if IsConflict(errors.New("plain error")) {
		t.Error("plain errors must not match a category")
	}
}

func TestWrapErrorPreservesServiceError(t *testing.T) {
	original := NewTransientError("CODE", "message", "old-service", "OldOp", nil)
	wrapped := WrapError(original, ErrorCategoryDatabase, "OTHER", "new-service", "NewOp", false)

	if wrapped.Category != ErrorCategoryTransient {
		t.Errorf("category changed to %s, want original preserved", wrapped.Category)
	}
	if wrapped.ServiceName != "new-service" || wrapped.Operation != "NewOp" {
		t.Error("wrap should update service context")
	}
	if WrapError(nil, ErrorCategoryDatabase, "X", "svc", "op", false) != nil {
		t.Error("wrapping nil should stay nil")
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(NewTransientError("X", "x", "svc", "op", nil)) {
		t.Error("transient service errors are retryable")
	}
	if IsRetryableError(NewPermanentError("X", "x", "svc", "op", nil)) {
		t.Error("permanent service errors are not retryable")
	}
	if !IsRetryableError(errors.New("dial tcp: connection refused")) {
		t.Error("connection errors should match the retry heuristics")
	}
	if IsRetryableError(errors.New("invalid payload shape")) {
		t.Error("validation-style errors should not match the retry heuristics")
	}
}

func TestBuildBatchErrorSummary(t *testing.T) {
	sample := []error{
		errors.New("geo Springfield: upstream 503"),
		errors.New("geo Portland: upstream 503"),
	}
	summary := BuildBatchErrorSummary(8, 5, sample)

	if !strings.Contains(summary, "8 successes") || !strings.Contains(summary, "5 failures") {
		t.Errorf("summary missing counts: %s", summary)
	}
	if !strings.Contains(summary, "Springfield") {
		t.Errorf("summary missing sample errors: %s", summary)
	}
	if !strings.Contains(summary, "3 additional errors") {
		t.Errorf("summary missing overflow note: %s", summary)
	}
}
