package monitoring

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/store"
)

// Snapshot holds a point-in-time view of check health.
type Snapshot struct {
	// Check metrics (within lookback window).
	Total         int                 `json:"total"`
	OK            int                 `json:"ok"`
	Failed        int                 `json:"failed"`
	NotGeocoded   int                 `json:"not_geocoded"`
	FailRate      float64             `json:"fail_rate"`
	AvgConfidence float64             `json:"avg_confidence"`
	LayerMisses   map[model.Layer]int `json:"layer_misses"`

	// Geocoded is the number of checks that had a point to classify.
	Geocoded int `json:"geocoded"`

	// Geocoder circuit breaker states, keyed by provider.
	Geocoders map[string]string `json:"geocoders,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsQuerier is the part of store.Store the collector reads.
type StatsQuerier interface {
	CheckStats(ctx context.Context, since time.Time) (*store.CheckStats, error)
}

// BreakerStates reports circuit breaker states. *resilience.Breakers satisfies it.
type BreakerStates interface {
	States() map[string]string
}

// Collector gathers check metrics from the audit log.
type Collector struct {
	store    StatsQuerier
	breakers BreakerStates
	clock    clockwork.Clock
}

// NewCollector creates a collector. breakers may be nil when geocoding is disabled.
func NewCollector(st StatsQuerier, breakers BreakerStates, clock clockwork.Clock) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{store: st, breakers: breakers, clock: clock}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.clock.Now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	stats, err := c.store.CheckStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: check stats")
	}

	snap.Total = stats.Total
	snap.OK = stats.OK
	snap.Failed = stats.Failed()
	snap.NotGeocoded = stats.NotGeocoded
	snap.Geocoded = stats.Total - stats.NotGeocoded
	snap.AvgConfidence = stats.AvgConfidence
	snap.LayerMisses = stats.LayerMisses
	if snap.Total > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Total)
	}

	if c.breakers != nil {
		snap.Geocoders = c.breakers.States()
	}
	return snap, nil
}
