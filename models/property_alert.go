package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchConfidence is the categorical strength of an address-to-listing match.
type MatchConfidence string

const (
	ConfidenceLow    MatchConfidence = "Low"
	ConfidenceMedium MatchConfidence = "Medium"
	ConfidenceHigh   MatchConfidence = "High"
	ConfidenceExact  MatchConfidence = "Exact"
)

// Rank orders confidences so minimum-confidence filters can compare them.
func (c MatchConfidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	case ConfidenceExact:
		return 4
	}
	return 0
}

// MatchMethod identifies how the match engine established a correspondence.
type MatchMethod string

const (
	MethodExactAddress      MatchMethod = "ExactAddress"
	MethodNormalizedAddress MatchMethod = "NormalizedAddress"
	MethodFuzzyMatch        MatchMethod = "FuzzyMatch"
	MethodGeoProximity      MatchMethod = "GeographicProximity"
)

// Delivery outcome statuses per channel.
const (
	DeliveryStatusSuccess = "Success"
	DeliveryStatusFailed  = "Failed"
	DeliveryStatusSkipped = "Skipped"
)

// DeliveryResult records one channel's outcome for one alert.
type DeliveryResult struct {
	Channel     string    `json:"channel"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Attempts    int       `json:"attempts"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// ListingSnapshot is the subset of the transient listing persisted with an
// alert for the audit trail.
type ListingSnapshot struct {
	Address     string     `json:"address"`
	Price       *float64   `json:"price,omitempty"`
	ListedDate  *time.Time `json:"listed_date,omitempty"`
	Status      string     `json:"status"`
	MLSNumber   string     `json:"mls_number,omitempty"`
	Bedrooms    *int       `json:"bedrooms,omitempty"`
	Bathrooms   *float64   `json:"bathrooms,omitempty"`
	SquareFeet  *int       `json:"square_feet,omitempty"`
	SourceName  string     `json:"source_name,omitempty"`
	ListingType string     `json:"listing_type,omitempty"`
}

// PropertyAlert is a confirmed match between a listing and a tracked address.
// Never deleted; delivery results are appended by the dispatcher.
type PropertyAlert struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	InstitutionID uuid.UUID `json:"institution_id" gorm:"type:uuid;not null;index"`
	AddressID     uuid.UUID `json:"address_id" gorm:"type:uuid;not null"`
	MemberRef     string    `json:"member_ref" gorm:"type:varchar(100);not null"`

	Confidence MatchConfidence `json:"confidence" gorm:"type:varchar(10);not null"`
	Method     MatchMethod     `json:"method" gorm:"type:varchar(30);not null"`

	Listing         ListingSnapshot  `json:"listing"`
	DeliveryResults []DeliveryResult `json:"delivery_results"`

	Processed bool      `json:"processed" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at" gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `json:"updated_at" gorm:"default:CURRENT_TIMESTAMP"`
}
