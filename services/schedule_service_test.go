package services

import (
	"testing"
	"time"

	"github.com/propalert/market-alert-backend/shared"
)

func TestNextRunAfter(t *testing.T) {
	reference := time.Date(2025, time.March, 10, 14, 30, 0, 0, time.UTC)

	cases := []struct {
		name     string
		cron     string
		expected time.Time
	}{
		{"daily at two", "0 2 * * *", time.Date(2025, time.March, 11, 2, 0, 0, 0, time.UTC)},
		{"hourly on the hour", "0 * * * *", time.Date(2025, time.March, 10, 15, 0, 0, 0, time.UTC)},
		{"weekly monday morning", "0 6 * * 1", time.Date(2025, time.March, 17, 6, 0, 0, 0, time.UTC)},
		{"daily descriptor", "@daily", time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, err := NextRunAfter(tc.cron, reference)
			if err != nil {
				t.Fatal(err)
			}
			if !next.Equal(tc.expected) {
				t.Errorf("NextRunAfter(%q) = %v, want %v", tc.cron, next, tc.expected)
			}
		})
	}
}

func TestNextRunAfterRejectsBadExpression(t *testing.T) {
	_, err := NextRunAfter("not a cron line", time.Now())
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if !shared.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}
