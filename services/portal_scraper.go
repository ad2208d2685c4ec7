package services

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/propalert/market-alert-backend/models"
	"github.com/propalert/market-alert-backend/shared"
	"github.com/sirupsen/logrus"
)

// PortalScraper is a listing source backed by a public listings portal that
// exposes search results as static HTML. Used for institutions whose market
// is not covered by the RentCast API.
type PortalScraper struct {
	config        shared.ListingSourceConfig
	clientFactory *shared.HTTPClientFactory
	rateLimiter   *shared.HTTPRequestRateLimiter
}

// NewPortalScraper creates a portal-scraping listing source
func NewPortalScraper(config shared.ListingSourceConfig, clientFactory *shared.HTTPClientFactory) *PortalScraper {
	return &PortalScraper{
		config:        config,
		clientFactory: clientFactory,
		rateLimiter:   shared.NewHTTPRequestRateLimiter(config.RequestRateLimit),
	}
}

// Name identifies the source in logs and error context
func (p *PortalScraper) Name() string {
	return "portal"
}

var priceDigitsRegex = regexp.MustCompile(`[\d,]+`)

// QueryListings fetches and parses one results page. The page token is the
// 1-based page number of the next page.
func (p *PortalScraper) QueryListings(ctx context.Context, geo GeoFilter, date DateFilter, pageToken string) (*ListingPage, error) {
	pageNumber := 1
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, shared.NewPermanentError("BAD_PAGE_TOKEN",
				"invalid portal page token", p.Name(), "QueryListings", err)
		}
		pageNumber = parsed
	}

	requestURL := p.config.BaseURL + "/listings?city=" + strings.ReplaceAll(geo.City, " ", "+") +
		"&state=" + geo.State + "&page=" + strconv.Itoa(pageNumber)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, shared.NewPermanentError("BAD_REQUEST",
			"failed to build portal request", p.Name(), "QueryListings", err)
	}
	request.Header.Set("Accept", "text/html")

	p.rateLimiter.EnforceRateLimit()

	client := p.clientFactory.CreateOptimizedHTTPClient(p.config.HTTPRequestTimeout)
	response, _, err := shared.ExecuteHTTPRequestWithRetry(client, request, p.config.MaxRetryAttempts)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	document, err := goquery.NewDocumentFromReader(response.Body)
	if err != nil {
		return nil, shared.NewTransientError("PARSE_FAILED",
			"failed to parse portal results page", p.Name(), "QueryListings", err)
	}

	page := &ListingPage{}
	document.Find(".listing-card").Each(func(_ int, card *goquery.Selection) {
		listing := p.parseCard(card, geo)
		if listing == nil {
			return
		}
		if !date.ListedAfter.IsZero() && listing.ListedDate != nil && listing.ListedDate.Before(date.ListedAfter) {
			return
		}
		page.Listings = append(page.Listings, *listing)
	})

	if document.Find(".pagination .next:not(.disabled)").Length() > 0 {
		page.NextPageToken = strconv.Itoa(pageNumber + 1)
	}

	logrus.WithFields(logrus.Fields{
		"component": "PortalScraper",
		"geography": geo.String(),
		"page":      pageNumber,
		"returned":  len(page.Listings),
	}).Debug("Parsed portal listing page")

	return page, nil
}

func (p *PortalScraper) parseCard(card *goquery.Selection, geo GeoFilter) *models.PropertyListing {
	street := strings.TrimSpace(card.Find(".address .street").Text())
	if street == "" {
		return nil
	}

	listing := &models.PropertyListing{
		MLSNumber:  strings.TrimSpace(card.Find(".mls-number").Text()),
		Street:     street,
		City:       strings.TrimSpace(card.Find(".address .city").Text()),
		State:      strings.TrimSpace(card.Find(".address .state").Text()),
		Zip:        strings.TrimSpace(card.Find(".address .zip").Text()),
		Status:     strings.TrimSpace(card.Find(".status").Text()),
		SourceName: p.Name(),
	}
	if listing.City == "" {
		listing.City = geo.City
	}
	if listing.State == "" {
		listing.State = geo.State
	}
	if listing.Status == "" {
		listing.Status = models.ListingStatusActive
	}

	priceText := priceDigitsRegex.FindString(card.Find(".price").Text())
	if priceText != "" {
		if price, err := strconv.ParseFloat(strings.ReplaceAll(priceText, ",", ""), 64); err == nil {
			listing.Price = &price
		}
	}

	dateText := strings.TrimSpace(card.Find(".listed-date").Text())
	if dateText != "" {
		for _, format := range []string{"2006-01-02", "Jan 2, 2006", "01/02/2006"} {
			if parsed, err := time.Parse(format, dateText); err == nil {
				listing.ListedDate = &parsed
				break
			}
		}
	}

	return listing
}
