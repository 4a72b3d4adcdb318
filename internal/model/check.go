package model

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
)

// Layer identifies one of the boundary layers a point is classified against.
type Layer string

const (
	LayerMunicipality Layer = "municipality"
	LayerNSC          Layer = "nsc"
	LayerMPR          Layer = "mpr"
	LayerCustom       Layer = "custom"
)

// Layers lists every boundary layer in classification order.
var Layers = []Layer{LayerMunicipality, LayerNSC, LayerMPR, LayerCustom}

// Label returns the human-readable name used in result messages.
func (l Layer) Label() string {
	switch l {
	case LayerNSC:
		return "NSC"
	case LayerMPR:
		return "MPR"
	default:
		return string(l)
	}
}

// CheckRequest is the payload of POST /api/check.
type CheckRequest struct {
	Address string   `json:"address" validate:"required"`
	Country *string  `json:"country,omitempty"`
	Lat     *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon     *float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
}

// HasCoordinates reports whether both lat and lon were supplied.
func (r CheckRequest) HasCoordinates() bool {
	return r.Lat != nil && r.Lon != nil
}

// CoordinatesInRange reports whether any supplied lat is within [-90, 90] and any
// supplied lon within [-180, 180].
func (r CheckRequest) CoordinatesInRange() bool {
	if r.Lat != nil && (math.IsNaN(*r.Lat) || *r.Lat < -90 || *r.Lat > 90) {
		return false
	}
	if r.Lon != nil && (math.IsNaN(*r.Lon) || *r.Lon < -180 || *r.Lon > 180) {
		return false
	}
	return true
}

// LayerHit records the outcome of one layer lookup.
type LayerHit struct {
	Layer  Layer   `json:"layer"`
	Match  *string `json:"match"`
	Reason *string `json:"reason"`
}

// CheckResult is the response of POST /api/check.
type CheckResult struct {
	OK                bool       `json:"ok"`
	InputAddress      string     `json:"input_address"`
	NormalizedAddress *string    `json:"normalized_address"`
	Lat               *float64   `json:"lat"`
	Lon               *float64   `json:"lon"`
	Municipality      *string    `json:"municipality"`
	Province          *string    `json:"province"`
	NSCRegion         *string    `json:"nsc_region"`
	MPRRegion         *string    `json:"mpr_region"`
	CustomRegion      *string    `json:"custom_region"`
	Confidence        float64    `json:"confidence"`
	Hits              []LayerHit `json:"hits"`
	Message           *string    `json:"message"`
}

// MarshalJSON emits "reason" alongside "message" for clients that read the older field name.
func (r CheckResult) MarshalJSON() ([]byte, error) {
	type plain CheckResult
	hits := r.Hits
	if hits == nil {
		hits = []LayerHit{}
	}
	p := plain(r)
	p.Hits = hits
	return json.Marshal(struct {
		plain
		Reason *string `json:"reason"`
	}{plain: p, Reason: r.Message})
}

// LogEntry converts the result into the audit row persisted for the check.
func (r *CheckResult) LogEntry() *CheckLog {
	return &CheckLog{
		InputAddress:      r.InputAddress,
		NormalizedAddress: r.NormalizedAddress,
		Lat:               r.Lat,
		Lon:               r.Lon,
		Municipality:      r.Municipality,
		Province:          r.Province,
		NSCRegion:         r.NSCRegion,
		MPRRegion:         r.MPRRegion,
		CustomRegion:      r.CustomRegion,
		Confidence:        r.Confidence,
		OK:                r.OK,
		Message:           r.Message,
	}
}

// CheckLog is one persisted audit record. Every completed check produces exactly one.
type CheckLog struct {
	ID                int64     `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	InputAddress      string    `json:"input_address"`
	NormalizedAddress *string   `json:"normalized_address"`
	Lat               *float64  `json:"lat"`
	Lon               *float64  `json:"lon"`
	Municipality      *string   `json:"municipality"`
	Province          *string   `json:"province"`
	NSCRegion         *string   `json:"nsc_region"`
	MPRRegion         *string   `json:"mpr_region"`
	CustomRegion      *string   `json:"custom_region"`
	Confidence        float64   `json:"confidence"`
	OK                bool      `json:"ok"`
	Message           *string   `json:"message"`
}

// Region returns the matched name recorded for a layer.
func (l *CheckLog) Region(layer Layer) *string {
	switch layer {
	case LayerMunicipality:
		return l.Municipality
	case LayerNSC:
		return l.NSCRegion
	case LayerMPR:
		return l.MPRRegion
	case LayerCustom:
		return l.CustomRegion
	default:
		return nil
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeAddress trims s and collapses every whitespace run to a single space.
func NormalizeAddress(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// StringOrNil returns nil for an empty (after trimming) string.
func StringOrNil(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
