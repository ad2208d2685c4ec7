package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Delivery method identifiers used in NotificationSettings.DeliveryMethods.
const (
	DeliveryMethodWebhook = "webhook"
	DeliveryMethodEmail   = "email"
	DeliveryMethodCSV     = "csv"
)

// Listing source identifiers used in ScanConfig.ListingSource.
const (
	ListingSourceRentCast = "rentcast"
	ListingSourceMock     = "mock"
	ListingSourcePortal   = "portal"
)

type Institution struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name         string    `json:"name" gorm:"type:varchar(255);not null"`
	ContactEmail string    `json:"contact_email" gorm:"type:varchar(255);not null"`
	WebhookURL   *string   `json:"webhook_url" gorm:"type:varchar(500)"`

	NotificationSettings NotificationSettings `json:"notification_settings"`
	ScanConfig           ScanConfig           `json:"scan_config"`

	// Open-ended per-institution fields that have no typed home yet.
	CustomFields json.RawMessage `json:"custom_fields" gorm:"type:jsonb;default:'{}'"`

	Active    bool      `json:"active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at" gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"default:CURRENT_TIMESTAMP"`
}

// NotificationSettings is the typed per-institution delivery configuration.
// Stored as a JSONB column on institutions.
type NotificationSettings struct {
	DeliveryMethods     []string          `json:"delivery_methods"`
	WebhookHeaders      map[string]string `json:"webhook_headers,omitempty"`
	WebhookAuthHeader   string            `json:"webhook_auth_header,omitempty"`
	EmailRecipients     []string          `json:"email_recipients,omitempty"`
	EnableBatching      bool              `json:"enable_batching"`
	BatchTimeoutMinutes int               `json:"batch_timeout_minutes"`
	BatchMaxSize        int               `json:"batch_max_size"`
	MinConfidence       MatchConfidence   `json:"min_confidence"`
}

// ScanConfig is the typed per-institution scan configuration.
// Stored as a JSONB column on institutions.
type ScanConfig struct {
	ListingSource     string `json:"listing_source"`
	ListingAPIKey     string `json:"listing_api_key,omitempty"`
	RateLimitMillis   int    `json:"rate_limit_millis"`
	MaxConcurrency    int    `json:"max_concurrency"`
	LookbackDays      int    `json:"lookback_days"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

// UsesMethod reports whether the institution has the given delivery method enabled.
func (s NotificationSettings) UsesMethod(method string) bool {
	for _, m := range s.DeliveryMethods {
		if m == method {
			return true
		}
	}
	return false
}
