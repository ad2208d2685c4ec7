package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// RentCastClient queries the RentCast sale-listings API. Calls are rate
// limited and retried with exponential backoff on transient failures.
type RentCastClient struct {
	config         shared.ListingSourceConfig
	clientFactory  *shared.HTTPClientFactory
	rateLimiter    *shared.HTTPRequestRateLimiter
	apiKey         string
	serviceMetrics *shared.ServiceMetrics
}

// rentCastListing mirrors the fields of the RentCast listing payload we use.
type rentCastListing struct {
	ID            string   `json:"id"`
	MLSNumber     string   `json:"mlsNumber"`
	AddressLine1  string   `json:"addressLine1"`
	City          string   `json:"city"`
	State         string   `json:"state"`
	ZipCode       string   `json:"zipCode"`
	Price         *float64 `json:"price"`
	ListedDate    string   `json:"listedDate"`
	Status        string   `json:"status"`
	Bedrooms      *int     `json:"bedrooms"`
	Bathrooms     *float64 `json:"bathrooms"`
	SquareFootage *int     `json:"squareFootage"`
	PropertyType  string   `json:"propertyType"`
}

// NewRentCastClient creates a RentCast listing source
func NewRentCastClient(config shared.ListingSourceConfig, clientFactory *shared.HTTPClientFactory, apiKey string) *RentCastClient {
	return &RentCastClient{
		config:         config,
		clientFactory:  clientFactory,
		rateLimiter:    shared.NewHTTPRequestRateLimiter(config.RequestRateLimit),
		apiKey:         apiKey,
		serviceMetrics: shared.NewServiceMetrics("RentCast_Client"),
	}
}

// Name identifies the source in logs and error context
func (c *RentCastClient) Name() string {
	return "rentcast"
}

// Metrics exposes the client's metrics tracker for registry wiring
func (c *RentCastClient) Metrics() *shared.ServiceMetrics {
	return c.serviceMetrics
}

// QueryListings fetches one page of sale listings for the geography. The
// page token is the numeric offset of the next page.
func (c *RentCastClient) QueryListings(ctx context.Context, geo GeoFilter, date DateFilter, pageToken string) (*ListingPage, error) {
	startTime := time.Now()

	if c.apiKey == "" {
		return nil, shared.NewPermanentError("MISSING_API_KEY",
			"RentCast API key not configured", c.Name(), "QueryListings", nil)
	}

	offset := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, shared.NewPermanentError("BAD_PAGE_TOKEN",
				fmt.Sprintf("invalid page token %q", pageToken), c.Name(), "QueryListings", err)
		}
		offset = parsed
	}

	requestURL := fmt.Sprintf("%s/listings/sale?%s", c.config.BaseURL, c.buildQuery(geo, offset))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, shared.NewPermanentError("BAD_REQUEST",
			"failed to build listing request", c.Name(), "QueryListings", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Api-Key", c.apiKey)

	c.rateLimiter.EnforceRateLimit()

	client := c.clientFactory.CreateOptimizedHTTPClient(c.config.HTTPRequestTimeout)
	response, _, err := shared.ExecuteHTTPRequestWithRetry(client, request, c.config.MaxRetryAttempts)
	if err != nil {
		c.serviceMetrics.RecordRequest(false, time.Since(startTime))
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		c.serviceMetrics.RecordRequest(false, time.Since(startTime))
		return nil, shared.NewTransientError("BODY_READ_FAILED",
			"failed to read listing response body", c.Name(), "QueryListings", err)
	}

	var rawListings []rentCastListing
	if err := json.Unmarshal(body, &rawListings); err != nil {
		c.serviceMetrics.RecordRequest(false, time.Since(startTime))
		return nil, shared.NewPermanentError("BAD_RESPONSE",
			"failed to decode listing response", c.Name(), "QueryListings", err)
	}

	page := &ListingPage{Listings: make([]models.PropertyListing, 0, len(rawListings))}
	for _, raw := range rawListings {
		listing := c.toListing(raw)
		if !date.ListedAfter.IsZero() && listing.ListedDate != nil && listing.ListedDate.Before(date.ListedAfter) {
			continue
		}
		page.Listings = append(page.Listings, listing)
	}

	// A full page means there may be more results.
	if len(rawListings) == c.config.PageSize {
		page.NextPageToken = strconv.Itoa(offset + c.config.PageSize)
	}

	c.serviceMetrics.RecordRequest(true, time.Since(startTime))
	logrus.WithFields(logrus.Fields{
		"component": "RentCastClient",
		"geography": geo.String(),
		"offset":    offset,
		"returned":  len(page.Listings),
	}).Debug("Fetched listing page from RentCast")

	return page, nil
}

func (c *RentCastClient) buildQuery(geo GeoFilter, offset int) string {
	values := url.Values{}
	values.Set("city", geo.City)
	values.Set("state", geo.State)
	if geo.Zip != "" {
		values.Set("zipCode", geo.Zip)
	}
	values.Set("status", models.ListingStatusActive)
	values.Set("limit", strconv.Itoa(c.config.PageSize))
	values.Set("offset", strconv.Itoa(offset))
	return values.Encode()
}

func (c *RentCastClient) toListing(raw rentCastListing) models.PropertyListing {
	listing := models.PropertyListing{
		MLSNumber:   raw.MLSNumber,
		Street:      raw.AddressLine1,
		City:        raw.City,
		State:       raw.State,
		Zip:         raw.ZipCode,
		Price:       raw.Price,
		Status:      raw.Status,
		Bedrooms:    raw.Bedrooms,
		Bathrooms:   raw.Bathrooms,
		SquareFeet:  raw.SquareFootage,
		ListingType: raw.PropertyType,
		SourceName:  c.Name(),
	}
	if listing.MLSNumber == "" {
		listing.MLSNumber = raw.ID
	}
	if listing.Status == "" {
		listing.Status = models.ListingStatusActive
	}
	if raw.ListedDate != "" {
		if parsed, err := time.Parse(time.RFC3339, raw.ListedDate); err == nil {
			listing.ListedDate = &parsed
		}
	}
	return listing
}
