package models

import "time"

// Listing statuses as reported by the listing source.
const (
	ListingStatusActive  = "Active"
	ListingStatusPending = "Pending"
	ListingStatusSold    = "Sold"
)

// PropertyListing is a candidate listing returned by a listing source. It is
// transient: consumed by the match engine and discarded, only the resulting
// alert snapshot is persisted.
type PropertyListing struct {
	MLSNumber  string     `json:"mls_number"`
	Street     string     `json:"street"`
	City       string     `json:"city"`
	State      string     `json:"state"`
	Zip        string     `json:"zip"`
	Price      *float64   `json:"price,omitempty"`
	ListedDate *time.Time `json:"listed_date,omitempty"`
	Status     string     `json:"status"`

	Bedrooms    *int     `json:"bedrooms,omitempty"`
	Bathrooms   *float64 `json:"bathrooms,omitempty"`
	SquareFeet  *int     `json:"square_feet,omitempty"`
	ListingType string   `json:"listing_type,omitempty"`
	SourceName  string   `json:"source_name,omitempty"`
}

// FullAddress renders the single-line address used for normalization.
func (l PropertyListing) FullAddress() string {
	return l.Street + ", " + l.City + ", " + l.State + " " + l.Zip
}

// Snapshot converts the transient listing into the persisted alert snapshot.
func (l PropertyListing) Snapshot() ListingSnapshot {
	return ListingSnapshot{
		Address:     l.FullAddress(),
		Price:       l.Price,
		ListedDate:  l.ListedDate,
		Status:      l.Status,
		MLSNumber:   l.MLSNumber,
		Bedrooms:    l.Bedrooms,
		Bathrooms:   l.Bathrooms,
		SquareFeet:  l.SquareFeet,
		SourceName:  l.SourceName,
		ListingType: l.ListingType,
	}
}
