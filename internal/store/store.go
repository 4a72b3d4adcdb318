// Package store persists the check audit log.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sells-group/municipality-check/internal/model"
)

// History limits.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ClampLimit bounds a history limit to 1..MaxHistoryLimit. Zero or negative selects the default.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// CheckStats aggregates audit rows created since a point in time.
type CheckStats struct {
	Since         time.Time           `json:"since"`
	Total         int                 `json:"total"`
	OK            int                 `json:"ok"`
	NotGeocoded   int                 `json:"not_geocoded"`
	AvgConfidence float64             `json:"avg_confidence"`
	LayerMisses   map[model.Layer]int `json:"layer_misses"`
}

// Failed is the number of checks that did not match a municipality.
func (s *CheckStats) Failed() int {
	return s.Total - s.OK
}

// Store defines the persistence interface for check logs.
type Store interface {
	// InsertCheck persists one audit row, setting its ID and CreatedAt.
	InsertCheck(ctx context.Context, entry *model.CheckLog) error

	// ListChecks returns up to limit rows, newest first.
	ListChecks(ctx context.Context, limit int) ([]model.CheckLog, error)

	// CheckStats aggregates rows created at or after since. Layer misses only
	// count geocoded rows.
	CheckStats(ctx context.Context, since time.Time) (*CheckStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// statsQuery builds the aggregate query shared by both drivers. hasPoint is the
// SQL expression that is true when a row carries coordinates.
func statsQuery(hasPoint, placeholder string) string {
	miss := func(col string) string {
		return fmt.Sprintf("COALESCE(SUM(CASE WHEN %s AND %s IS NULL THEN 1 ELSE 0 END), 0)", hasPoint, col)
	}
	return fmt.Sprintf(`SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN ok THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN %s THEN 0 ELSE 1 END), 0),
	COALESCE(AVG(confidence), 0),
	%s,
	%s,
	%s,
	%s
FROM check_logs WHERE created_at >= %s`,
		hasPoint,
		miss("municipality"), miss("nsc_region"), miss("mpr_region"), miss("custom_region"),
		placeholder,
	)
}

func newCheckStats(since time.Time, total, ok, notGeocoded int, avg float64, misses [4]int) *CheckStats {
	return &CheckStats{
		Since:         since,
		Total:         total,
		OK:            ok,
		NotGeocoded:   notGeocoded,
		AvgConfidence: avg,
		LayerMisses: map[model.Layer]int{
			model.LayerMunicipality: misses[0],
			model.LayerNSC:          misses[1],
			model.LayerMPR:          misses[2],
			model.LayerCustom:       misses[3],
		},
	}
}
