package services

import (
	"context"
	"fmt"
	"time"

	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
)

// GeoFilter narrows a listing query to one geography batch.
type GeoFilter struct {
	City  string `json:"city"`
	State string `json:"state"`
	Zip   string `json:"zip,omitempty"`
}

func (g GeoFilter) String() string {
	return fmt.Sprintf("%s, %s", g.City, g.State)
}

// DateFilter narrows a listing query to listings newer than a cutoff.
type DateFilter struct {
	ListedAfter time.Time `json:"listed_after"`
}

// ListingPage is one page of a lazy listing result sequence. NextPageToken
// is empty on the final page.
type ListingPage struct {
	Listings      []models.PropertyListing `json:"listings"`
	NextPageToken string                   `json:"next_page_token,omitempty"`
}

// ListingSource abstracts the external property-listing provider. Failures
// are shared.ServiceError values: transient errors may be retried by the
// caller, permanent errors must not be.
type ListingSource interface {
	Name() string
	QueryListings(ctx context.Context, geo GeoFilter, date DateFilter, pageToken string) (*ListingPage, error)
}

// ForEachListing drives the lazy page sequence, invoking fn for every listing.
// Page fetches stop at the first error or when fn returns one. Returns the
// number of source calls made so the caller can account for API usage.
func ForEachListing(ctx context.Context, source ListingSource, geo GeoFilter, date DateFilter, fn func(models.PropertyListing) error) (int64, error) {
	var calls int64
	pageToken := ""

	for {
		if err := ctx.Err(); err != nil {
			return calls, shared.NewTransientError("QUERY_CANCELLED",
				"listing query cancelled", source.Name(), "ForEachListing", err)
		}

		page, err := source.QueryListings(ctx, geo, date, pageToken)
		calls++
		if err != nil {
			return calls, err
		}

		for _, listing := range page.Listings {
			if err := fn(listing); err != nil {
				return calls, err
			}
		}

		if page.NextPageToken == "" {
			return calls, nil
		}
		pageToken = page.NextPageToken
	}
}

// NewListingSourceForInstitution selects the listing source implementation
// from the institution's scan configuration at construction time. Business
// logic never branches on the source kind afterwards.
func NewListingSourceForInstitution(scanConfig models.ScanConfig, sourceConfig shared.ListingSourceConfig, clientFactory *shared.HTTPClientFactory, fallbackAPIKey string) (ListingSource, error) {
	switch scanConfig.ListingSource {
	case models.ListingSourceMock:
		return NewMockListingSource(0), nil
	case models.ListingSourcePortal:
		return NewPortalScraper(sourceConfig, clientFactory), nil
	case models.ListingSourceRentCast, "":
		apiKey := scanConfig.ListingAPIKey
		if apiKey == "" {
			apiKey = fallbackAPIKey
		}
		return NewRentCastClient(sourceConfig, clientFactory, apiKey), nil
	default:
		return nil, shared.NewPermanentError("UNKNOWN_LISTING_SOURCE",
			fmt.Sprintf("unknown listing source %q", scanConfig.ListingSource),
			"listing-source", "NewListingSourceForInstitution", nil)
	}
}
