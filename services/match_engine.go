package services

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/propalert/market-alert-backend/models"
)

// MatchResult is the outcome of matching one listing against a candidate set.
type MatchResult struct {
	Address    models.MemberAddress   `json:"address"`
	Confidence models.MatchConfidence `json:"confidence"`
	Method     models.MatchMethod     `json:"method"`
}

// MatchEngine decides whether a listing corresponds to a tracked address.
// It is deterministic and side-effect-free: no I/O, no clock, no randomness,
// so it stays independently unit-testable.
type MatchEngine struct {
	fuzzyThreshold    float64 // minimum token-overlap ratio for a Medium match
	proximityMaxDelta int     // maximum street-number distance for a Low match
}

// NewMatchEngine creates a match engine with the default thresholds
func NewMatchEngine() *MatchEngine {
	return &MatchEngine{
		fuzzyThreshold:    0.75,
		proximityMaxDelta: 8,
	}
}

// streetTypeAbbreviations standardizes common street-type spellings to their
// USPS-style abbreviation so "Main Street" and "Main St" compare equal.
var streetTypeAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"av":        "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"lane":      "ln",
	"road":      "rd",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"terrace":   "ter",
	"parkway":   "pkwy",
	"highway":   "hwy",
	"trail":     "trl",
	"way":       "way",
	"square":    "sq",
}

// directionalAbbreviations standardizes directional prefixes and suffixes.
var directionalAbbreviations = map[string]string{
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
	"northeast": "ne",
	"northwest": "nw",
	"southeast": "se",
	"southwest": "sw",
}

// secondaryDesignators mark unit/suite tokens. The designator and the token
// following it are dropped when building the secondary-stripped form.
var secondaryDesignators = map[string]bool{
	"apt":       true,
	"apartment": true,
	"unit":      true,
	"suite":     true,
	"ste":       true,
	"bldg":      true,
	"building":  true,
	"fl":        true,
	"floor":     true,
	"rm":        true,
	"room":      true,
	"lot":       true,
	"#":         true,
}

var addressPunctuationRegex = regexp.MustCompile(`[^\p{L}\p{N}#\s]`)
var addressWhitespaceRegex = regexp.MustCompile(`\s+`)

// normalizeTokens case-folds an address string, strips punctuation, and
// standardizes street-type and directional abbreviations.
func normalizeTokens(address string) []string {
	normalized := strings.ToLower(address)
	normalized = addressPunctuationRegex.ReplaceAllString(normalized, " ")
	normalized = addressWhitespaceRegex.ReplaceAllString(normalized, " ")

	fields := strings.Fields(normalized)
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if abbrev, ok := streetTypeAbbreviations[field]; ok {
			field = abbrev
		} else if abbrev, ok := directionalAbbreviations[field]; ok {
			field = abbrev
		}
		tokens = append(tokens, field)
	}
	return tokens
}

// stripSecondaryTokens removes unit/suite designators and their values, plus
// any bare "#4"-style tokens.
func stripSecondaryTokens(tokens []string) []string {
	stripped := make([]string, 0, len(tokens))
	skipNext := false
	for _, token := range tokens {
		if skipNext {
			skipNext = false
			continue
		}
		if secondaryDesignators[token] {
			skipNext = true
			continue
		}
		if strings.HasPrefix(token, "#") {
			continue
		}
		stripped = append(stripped, token)
	}
	return stripped
}

// NormalizeAddress renders the canonical single-line form of an address.
// This is the form cached on MemberAddress.NormalizedAddress.
func (e *MatchEngine) NormalizeAddress(street, city, state, zip string) string {
	full := street + " " + city + " " + state + " " + zip
	return strings.Join(normalizeTokens(full), " ")
}

// NormalizeListing renders the canonical form of a listing's address.
func (e *MatchEngine) NormalizeListing(listing models.PropertyListing) string {
	return e.NormalizeAddress(listing.Street, listing.City, listing.State, listing.Zip)
}

// Match evaluates a listing against the candidate addresses and returns the
// strongest match at or above minConfidence, or nil when nothing qualifies.
// Candidates are evaluated in slice order; the first candidate with the
// highest confidence wins, keeping the result deterministic.
func (e *MatchEngine) Match(listing models.PropertyListing, candidates []models.MemberAddress, minConfidence models.MatchConfidence) *MatchResult {
	if minConfidence == "" {
		minConfidence = models.ConfidenceLow
	}

	listingNormalized := e.NormalizeListing(listing)
	listingTokens := strings.Fields(listingNormalized)
	listingStripped := strings.Join(stripSecondaryTokens(listingTokens), " ")

	var best *MatchResult
	for _, candidate := range candidates {
		candidateNormalized := candidate.NormalizedAddress
		if candidateNormalized == "" {
			candidateNormalized = e.NormalizeAddress(candidate.Street, candidate.City, candidate.State, candidate.Zip)
		}

		confidence, method := e.evaluate(listing, listingNormalized, listingStripped, listingTokens, candidate, candidateNormalized)
		if confidence == "" {
			continue
		}
		if best == nil || confidence.Rank() > best.Confidence.Rank() {
			best = &MatchResult{Address: candidate, Confidence: confidence, Method: method}
		}
		if best.Confidence == models.ConfidenceExact {
			break
		}
	}

	if best == nil || best.Confidence.Rank() < minConfidence.Rank() {
		return nil
	}
	return best
}

func (e *MatchEngine) evaluate(listing models.PropertyListing, listingNormalized, listingStripped string, listingTokens []string, candidate models.MemberAddress, candidateNormalized string) (models.MatchConfidence, models.MatchMethod) {
	if listingNormalized == candidateNormalized {
		return models.ConfidenceExact, models.MethodExactAddress
	}

	candidateTokens := strings.Fields(candidateNormalized)
	candidateStripped := strings.Join(stripSecondaryTokens(candidateTokens), " ")
	if listingStripped != "" && listingStripped == candidateStripped {
		return models.ConfidenceHigh, models.MethodNormalizedAddress
	}

	if tokenOverlapRatio(listingTokens, candidateTokens) >= e.fuzzyThreshold {
		return models.ConfidenceMedium, models.MethodFuzzyMatch
	}

	if e.isGeographicallyClose(listing, listingTokens, candidate, candidateTokens) {
		return models.ConfidenceLow, models.MethodGeoProximity
	}

	return "", ""
}

// tokenOverlapRatio computes the Jaccard ratio between two token sets.
func tokenOverlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(a))
	for _, token := range a {
		setA[token] = true
	}
	setB := make(map[string]bool, len(b))
	for _, token := range b {
		setB[token] = true
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// isGeographicallyClose applies the Low tier: same zip and a street number
// within the configured delta, with no string-level correspondence.
func (e *MatchEngine) isGeographicallyClose(listing models.PropertyListing, listingTokens []string, candidate models.MemberAddress, candidateTokens []string) bool {
	if listing.Zip == "" || listing.Zip != candidate.Zip {
		return false
	}

	listingNumber, ok := leadingStreetNumber(listingTokens)
	if !ok {
		return false
	}
	candidateNumber, ok := leadingStreetNumber(candidateTokens)
	if !ok {
		return false
	}

	delta := listingNumber - candidateNumber
	if delta < 0 {
		delta = -delta
	}
	return delta <= e.proximityMaxDelta
}

func leadingStreetNumber(tokens []string) (int, bool) {
	if len(tokens) == 0 {
		return 0, false
	}
	number, err := strconv.Atoi(tokens[0])
	if err != nil {
		return 0, false
	}
	return number, true
}
