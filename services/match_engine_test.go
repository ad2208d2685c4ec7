package services

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/propalert/market-alert-backend/models"
)

func testAddress(street, city, state, zip string) models.MemberAddress {
	return models.MemberAddress{
		MemberRef: "member-1",
		Street:    street,
		City:      city,
		State:     state,
		Zip:       zip,
	}
}

func testListing(street, city, state, zip string) models.PropertyListing {
	return models.PropertyListing{
		Street: street,
		City:   city,
		State:  state,
		Zip:    zip,
		Status: models.ListingStatusActive,
	}
}

func TestNormalizeAddress(t *testing.T) {
	engine := NewMatchEngine()

	cases := []struct {
		name     string
		street   string
		expected string
	}{
		{"street type abbreviated", "123 Main Street", "123 main st springfield il 62704"},
		{"already abbreviated", "123 Main St", "123 main st springfield il 62704"},
		{"punctuation stripped", "123 Main St.", "123 main st springfield il 62704"},
		{"directional abbreviated", "123 North Main Street", "123 n main st springfield il 62704"},
		{"unit token kept", "123 Main St Apt 4", "123 main st apt 4 springfield il 62704"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.NormalizeAddress(tc.street, "Springfield", "IL", "62704")
			if got != tc.expected {
				t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.street, got, tc.expected)
			}
		})
	}
}

func TestMatchConfidenceTiers(t *testing.T) {
	engine := NewMatchEngine()

	cases := []struct {
		name       string
		listing    models.PropertyListing
		candidate  models.MemberAddress
		confidence models.MatchConfidence
		method     models.MatchMethod
	}{
		{
			name:       "spelled-out street type matches abbreviation exactly",
			listing:    testListing("123 Main Street", "Springfield", "IL", "62704"),
			candidate:  testAddress("123 Main St", "Springfield", "IL", "62704"),
			confidence: models.ConfidenceExact,
			method:     models.MethodExactAddress,
		},
		{
			name:       "unit number on one side downgrades to high",
			listing:    testListing("123 Main St Apt 4", "Springfield", "IL", "62704"),
			candidate:  testAddress("123 Main St", "Springfield", "IL", "62704"),
			confidence: models.ConfidenceHigh,
			method:     models.MethodNormalizedAddress,
		},
		{
			name:       "extra directional token is a fuzzy match",
			listing:    testListing("123 N Main St", "Springfield", "IL", "62704"),
			candidate:  testAddress("123 Main St", "Springfield", "IL", "62704"),
			confidence: models.ConfidenceMedium,
			method:     models.MethodFuzzyMatch,
		},
		{
			name:       "different street in same zip with close number is proximity",
			listing:    testListing("125 Oak Ave", "Springfield", "IL", "62704"),
			candidate:  testAddress("121 Main St", "Springfield", "IL", "62704"),
			confidence: models.ConfidenceLow,
			method:     models.MethodGeoProximity,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := engine.Match(tc.listing, []models.MemberAddress{tc.candidate}, models.ConfidenceLow)
			if result == nil {
				t.Fatalf("expected %s match, got nil", tc.confidence)
			}
			if result.Confidence != tc.confidence {
				t.Errorf("confidence = %s, want %s", result.Confidence, tc.confidence)
			}
			if result.Method != tc.method {
				t.Errorf("method = %s, want %s", result.Method, tc.method)
			}
		})
	}
}

func TestMatchNoCorrespondence(t *testing.T) {
	engine := NewMatchEngine()

	listing := testListing("900 Elm Blvd", "Portland", "OR", "97201")
	candidate := testAddress("123 Main St", "Springfield", "IL", "62704")

	if result := engine.Match(listing, []models.MemberAddress{candidate}, models.ConfidenceLow); result != nil {
		t.Errorf("expected no match, got %s via %s", result.Confidence, result.Method)
	}
}

func TestMatchMinConfidenceFilter(t *testing.T) {
	engine := NewMatchEngine()

	// Proximity-only correspondence, filtered out by a Medium floor.
	listing := testListing("125 Oak Ave", "Springfield", "IL", "62704")
	candidate := testAddress("121 Main St", "Springfield", "IL", "62704")

	if result := engine.Match(listing, []models.MemberAddress{candidate}, models.ConfidenceMedium); result != nil {
		t.Errorf("expected Low match to be filtered, got %s", result.Confidence)
	}
	if result := engine.Match(listing, []models.MemberAddress{candidate}, models.ConfidenceLow); result == nil {
		t.Error("expected Low match to pass a Low floor")
	}
}

func TestMatchPrefersStrongestCandidate(t *testing.T) {
	engine := NewMatchEngine()

	listing := testListing("123 Main St", "Springfield", "IL", "62704")
	candidates := []models.MemberAddress{
		testAddress("121 Main St", "Springfield", "IL", "62704"),
		testAddress("123 Main Street", "Springfield", "IL", "62704"),
	}

	result := engine.Match(listing, candidates, models.ConfidenceLow)
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.Confidence != models.ConfidenceExact {
		t.Errorf("confidence = %s, want %s", result.Confidence, models.ConfidenceExact)
	}
	if result.Address.Street != "123 Main Street" {
		t.Errorf("matched %q, want the exact candidate", result.Address.Street)
	}
}

func TestMatchPropertiesDeterministic(t *testing.T) {
	engine := NewMatchEngine()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	streetGen := gen.RegexMatch(`[1-9][0-9]{0,3} [A-Za-z]{3,10} (Street|Avenue|Road|Drive)`)
	cityGen := gen.RegexMatch(`[A-Za-z]{3,12}`)
	zipGen := gen.RegexMatch(`[0-9]{5}`)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(street, city, zip string) bool {
			once := engine.NormalizeAddress(street, city, "CA", zip)
			twice := engine.NormalizeAddress(once, "", "", "")
			return once == twice
		},
		streetGen, cityGen, zipGen,
	))

	properties.Property("identical addresses always match exactly", prop.ForAll(
		func(street, city, zip string) bool {
			listing := testListing(street, city, "CA", zip)
			candidate := testAddress(street, city, "CA", zip)
			result := engine.Match(listing, []models.MemberAddress{candidate}, models.ConfidenceLow)
			return result != nil && result.Confidence == models.ConfidenceExact
		},
		streetGen, cityGen, zipGen,
	))

	properties.Property("repeated evaluation returns the same outcome", prop.ForAll(
		func(street, city, zip, otherStreet string) bool {
			listing := testListing(street, city, "CA", zip)
			candidates := []models.MemberAddress{
				testAddress(otherStreet, city, "CA", zip),
				testAddress(street, city, "CA", zip),
			}
			first := engine.Match(listing, candidates, models.ConfidenceLow)
			second := engine.Match(listing, candidates, models.ConfidenceLow)
			if first == nil || second == nil {
				return first == second
			}
			return first.Confidence == second.Confidence &&
				first.Method == second.Method &&
				first.Address.Street == second.Address.Street
		},
		streetGen, cityGen, zipGen, streetGen,
	))

	properties.TestingRun(t)
}
