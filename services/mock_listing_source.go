package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/propalert/market-alert-backend/models"
)

// MockListingSource is a deterministic listing generator for development and
// tests. The same geography always yields the same listings; no network, no
// API key, no clock beyond the fixed listing dates.
type MockListingSource struct {
	seed             uint64
	listingsPerQuery int
}

var mockStreetNames = []string{
	"Main St", "Oak Ave", "Cedar Ln", "Maple Dr", "Elm St",
	"Washington Blvd", "Lake View Rd", "Sunset Ter", "Hillcrest Ct", "Park Pl",
}

// NewMockListingSource creates a mock source. A zero seed uses the default.
func NewMockListingSource(seed uint64) *MockListingSource {
	if seed == 0 {
		seed = 0x9e3779b9
	}
	return &MockListingSource{
		seed:             seed,
		listingsPerQuery: 5,
	}
}

// Name identifies the source in logs and error context
func (m *MockListingSource) Name() string {
	return "mock"
}

// QueryListings returns a single deterministic page for the geography.
func (m *MockListingSource) QueryListings(_ context.Context, geo GeoFilter, date DateFilter, pageToken string) (*ListingPage, error) {
	// Single-page source.
	if pageToken != "" {
		return &ListingPage{}, nil
	}

	hasher := fnv.New64a()
	fmt.Fprintf(hasher, "%d|%s|%s|%s", m.seed, geo.City, geo.State, geo.Zip)
	base := hasher.Sum64()

	listedDate := date.ListedAfter
	if listedDate.IsZero() {
		listedDate = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	listedDate = listedDate.Add(24 * time.Hour)

	page := &ListingPage{Listings: make([]models.PropertyListing, 0, m.listingsPerQuery)}
	for i := 0; i < m.listingsPerQuery; i++ {
		value := base + uint64(i)*0x100000001b3
		streetNumber := 100 + value%900
		street := mockStreetNames[value%uint64(len(mockStreetNames))]
		price := float64(200000 + value%600000)
		zip := geo.Zip
		if zip == "" {
			zip = fmt.Sprintf("%05d", 10000+value%89999)
		}
		date := listedDate

		page.Listings = append(page.Listings, models.PropertyListing{
			MLSNumber:  fmt.Sprintf("MOCK-%08X", uint32(value)),
			Street:     fmt.Sprintf("%d %s", streetNumber, street),
			City:       geo.City,
			State:      geo.State,
			Zip:        zip,
			Price:      &price,
			ListedDate: &date,
			Status:     models.ListingStatusActive,
			SourceName: m.Name(),
		})
	}

	return page, nil
}
