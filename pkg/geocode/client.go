// Package geocode resolves free-text addresses to coordinates via Nominatim (primary) and
// Google (optional fallback).
package geocode

import (
	"context"
	"math"
	"strings"
)

// Client geocodes addresses.
type Client interface {
	// Geocode geocodes a single address. An unmatched address is not an error.
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)

	// BatchGeocode geocodes multiple addresses, preserving input order.
	BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error)
}

// AddressInput represents an address to geocode.
type AddressInput struct {
	ID      string // Optional identifier for batch correlation
	Address string
	Country string
}

// Result holds the geocoding output for an address.
type Result struct {
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
	DisplayName string  `json:"display_name,omitempty"`
	Importance  float64 `json:"importance"`
	Source      string  `json:"source"` // "nominatim" or "google"
	Matched     bool    `json:"matched"`
}

// formatOneLine builds the free-form query sent to providers.
func formatOneLine(addr AddressInput) string {
	a := strings.Join(strings.Fields(addr.Address), " ")
	c := strings.TrimSpace(addr.Country)
	if a == "" {
		return ""
	}
	if c == "" {
		return a
	}
	return a + ", " + c
}

// Confidence maps a provider importance score onto [0.35, 0.95].
func Confidence(importance float64) float64 {
	return math.Max(0.35, math.Min(0.95, importance))
}
