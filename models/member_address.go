package models

import (
	"time"

	"github.com/google/uuid"
)

// Priority tiers for tracked member addresses.
const (
	PriorityTierStandard = "standard"
	PriorityTierHigh     = "high"
)

// MemberAddress is a property tracked on behalf of an anonymized member of an
// institution. No PII beyond the address itself; the member is referenced by
// an opaque id the institution owns.
type MemberAddress struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	InstitutionID uuid.UUID `json:"institution_id" gorm:"type:uuid;not null;index"`
	MemberRef     string    `json:"member_ref" gorm:"type:varchar(100);not null"`

	Street string `json:"street" gorm:"type:varchar(255);not null"`
	City   string `json:"city" gorm:"type:varchar(100);not null"`
	State  string `json:"state" gorm:"type:varchar(2);not null"`
	Zip    string `json:"zip" gorm:"type:varchar(10);not null"`

	// Cached output of the match engine's normalizer, filled on write so
	// scans never re-normalize the tracked side.
	NormalizedAddress string `json:"normalized_address" gorm:"type:varchar(500);not null"`

	PriorityTier string    `json:"priority_tier" gorm:"type:varchar(20);default:'standard'"`
	Active       bool      `json:"active" gorm:"default:true"`
	CreatedAt    time.Time `json:"created_at" gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"default:CURRENT_TIMESTAMP"`
}
