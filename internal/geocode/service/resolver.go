package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	eventdomain "github.com/plotline/plotline/internal/event/domain"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
)

// RowLocation is the location-bearing slice of one imported row: the raw
// cell values the mapping bound to latitude, longitude, and address.
type RowLocation struct {
	LatRaw  string
	LonRaw  string
	Address string
}

// Resolution is the per-row coordinate decision.
type Resolution struct {
	Latitude          *float64
	Longitude         *float64
	Source            eventdomain.CoordinateSource
	Confidence        *float64
	NormalizedAddress string
}

// ParseExplicit parses raw latitude/longitude cells and checks range.
// Out-of-range or non-numeric pairs are rejected, never corrected.
func ParseExplicit(latRaw, lonRaw string) (float64, float64, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonRaw), 64)
	if err != nil {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

// ResolveRow applies the fixed priority: valid explicit coordinates win
// outright, then a non-empty address goes through geocoding, otherwise the
// row carries no location. Invalid explicit coordinates fall through to the
// address rather than being corrected.
//
// A provider-side failure surfaces as an error so the caller can retry the
// stage; an address no provider can answer just resolves to none.
func (s *Service) ResolveRow(ctx context.Context, loc RowLocation) (Resolution, error) {
	if lat, lon, ok := ParseExplicit(loc.LatRaw, loc.LonRaw); ok {
		return Resolution{
			Latitude:  &lat,
			Longitude: &lon,
			Source:    eventdomain.SourceImport,
		}, nil
	}

	address := strings.TrimSpace(loc.Address)
	if address == "" {
		return Resolution{Source: eventdomain.SourceNone}, nil
	}

	result, err := s.Lookup(ctx, address)
	if err != nil {
		if errors.Is(err, geocodedomain.ErrDisabled) || errors.Is(err, geocodedomain.ErrNoResult) {
			return Resolution{Source: eventdomain.SourceNone}, nil
		}
		return Resolution{}, err
	}

	confidence := result.Confidence
	return Resolution{
		Latitude:          &result.Latitude,
		Longitude:         &result.Longitude,
		Source:            eventdomain.SourceGeocoded,
		Confidence:        &confidence,
		NormalizedAddress: NormalizeAddress(address),
	}, nil
}
