package checker

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "municipality_check"

// Metrics holds the Prometheus counters and histograms for address checks.
type Metrics struct {
	Checks        *prometheus.CounterVec // labels: outcome={ok,miss,not_geocoded}
	LayerResults  *prometheus.CounterVec // labels: layer, result={hit,miss,empty}
	CheckDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests *prometheus.CounterVec // labels: outcome={matched,unmatched,error,disabled}
	GeocodeDuration prometheus.Histogram

	StoreErrors prometheus.Counter
}

func newMetrics(full bool) *Metrics {
	help := func(s string) string {
		if !full {
			return ""
		}
		return s
	}
	return &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      help("Completed address checks by outcome."),
		}, []string{"outcome"}),
		LayerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layer_results_total",
			Help:      help("Boundary layer lookups by layer and result."),
		}, []string{"layer", "result"}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      help("Duration of a complete check including geocoding and logging."),
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      help("Geocode lookups made by checks, by outcome."),
		}, []string{"outcome"}),
		GeocodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_duration_seconds",
			Help:      help("Geocode lookup duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      help("Audit log writes that failed."),
		}),
	}
}

// NewMetrics creates and registers all check metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.Checks,
		m.LayerResults,
		m.CheckDuration,
		m.GeocodeRequests,
		m.GeocodeDuration,
		m.StoreErrors,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}
