// Package checker geocodes an address, classifies the point against the boundary
// layers and records the outcome in the audit log.
package checker

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/store"
	"github.com/sells-group/municipality-check/pkg/geocode"
)

// ErrAddressRequired is returned when the address is empty after normalization.
var ErrAddressRequired = eris.New("Address is required")

// ErrCoordinatesOutOfRange is returned when lat or lon falls outside the valid range.
var ErrCoordinatesOutOfRange = eris.New("lat must be within [-90, 90] and lon within [-180, 180]")

// Hit reasons and result messages.
const (
	ReasonNotGeocoded = "not geocoded"
	ReasonNoPolygon   = "no polygon contains point"
	ReasonEmptyLayer  = "layer has no features loaded"

	MessageNotGeocoded = "Could not geocode address. Provide lat/lon or enable geocoder."
)

// Classifier answers point-in-polygon queries for every layer. *boundary.Set satisfies it.
type Classifier interface {
	Classify(lat, lon float64) ([]boundary.Match, error)
}

// Service runs address checks.
type Service struct {
	geocoder geocode.Client
	layers   Classifier
	store    store.Store
	metrics  *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithGeocoder sets the geocoder used when a request has no coordinates. A nil
// client leaves geocoding disabled.
func WithGeocoder(c geocode.Client) Option {
	return func(s *Service) {
		s.geocoder = c
	}
}

// WithMetrics records check metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewService creates a Service. st may be nil only for callers that never persist
// (Evaluate). Without WithMetrics, metrics go to unregistered collectors.
func NewService(layers Classifier, st store.Store, opts ...Option) *Service {
	s := &Service{
		layers:  layers,
		store:   st,
		metrics: NewMetricsForTesting(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GeocodingEnabled reports whether requests without coordinates can be geocoded.
func (s *Service) GeocodingEnabled() bool {
	return s.geocoder != nil
}

// Check evaluates req and appends the outcome to the audit log.
func (s *Service) Check(ctx context.Context, req model.CheckRequest) (*model.CheckResult, error) {
	result, err := s.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Evaluate runs a check without writing to the audit log.
func (s *Service) Evaluate(ctx context.Context, req model.CheckRequest) (*model.CheckResult, error) {
	addr := model.NormalizeAddress(req.Address)
	if addr == "" {
		return nil, ErrAddressRequired
	}
	if !req.CoordinatesInRange() {
		return nil, ErrCoordinatesOutOfRange
	}

	start := time.Now()
	defer func() { s.metrics.CheckDuration.Observe(time.Since(start).Seconds()) }()

	if req.HasCoordinates() {
		return s.classify(addr, *req.Lat, *req.Lon, nil, 0)
	}

	geo := s.geocode(ctx, addr, req.Country)
	return s.fromGeocode(addr, geo)
}

// BatchResult is the outcome of one request in CheckBatch, at its input position.
type BatchResult struct {
	Index  int
	Result *model.CheckResult
	Err    error
}

// CheckBatch checks many requests, geocoding those without coordinates together
// through the geocoder's batch path. Per-request failures are reported in the
// result rather than stopping the batch. When persist is set every result is logged.
func (s *Service) CheckBatch(ctx context.Context, reqs []model.CheckRequest, persist bool) ([]BatchResult, error) {
	out := make([]BatchResult, len(reqs))
	addrs := make([]string, len(reqs))

	var (
		pending []int
		inputs  []geocode.AddressInput
	)
	for i, req := range reqs {
		out[i].Index = i
		addrs[i] = model.NormalizeAddress(req.Address)
		if addrs[i] == "" {
			out[i].Err = ErrAddressRequired
			continue
		}
		if !req.CoordinatesInRange() {
			out[i].Err = ErrCoordinatesOutOfRange
			continue
		}
		if !req.HasCoordinates() && s.geocoder != nil {
			pending = append(pending, i)
			inputs = append(inputs, addressInput(addrs[i], req.Country))
		}
	}

	geocoded := make(map[int]*geocode.Result, len(pending))
	if len(inputs) > 0 {
		start := time.Now()
		results, err := s.geocoder.BatchGeocode(ctx, inputs)
		s.metrics.GeocodeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, eris.Wrap(err, "checker: batch geocode")
		}
		for j, i := range pending {
			if j < len(results) {
				r := results[j]
				geocoded[i] = &r
			}
		}
	}

	for i, req := range reqs {
		if out[i].Err != nil {
			continue
		}
		var (
			result *model.CheckResult
			err    error
		)
		switch {
		case req.HasCoordinates():
			result, err = s.classify(addrs[i], *req.Lat, *req.Lon, nil, 0)
		default:
			geo := geocoded[i]
			if s.geocoder == nil {
				s.metrics.GeocodeRequests.WithLabelValues("disabled").Inc()
			} else {
				s.recordGeocode(geo, nil)
			}
			result, err = s.fromGeocode(addrs[i], geo)
		}
		if err == nil && persist {
			err = s.persist(ctx, result)
		}
		out[i].Result, out[i].Err = result, err
	}
	return out, nil
}

// History returns the newest audit rows. limit is clamped to 1..500; zero selects 50.
func (s *Service) History(ctx context.Context, limit int) ([]model.CheckLog, error) {
	rows, err := s.store.ListChecks(ctx, store.ClampLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "checker: list history")
	}
	return rows, nil
}

func addressInput(addr string, country *string) geocode.AddressInput {
	in := geocode.AddressInput{Address: addr}
	if country != nil {
		in.Country = strings.TrimSpace(*country)
	}
	return in
}

// geocode resolves addr. A nil result means the address could not be geocoded.
func (s *Service) geocode(ctx context.Context, addr string, country *string) *geocode.Result {
	if s.geocoder == nil {
		s.metrics.GeocodeRequests.WithLabelValues("disabled").Inc()
		return nil
	}

	start := time.Now()
	r, err := s.geocoder.Geocode(ctx, addressInput(addr, country))
	s.metrics.GeocodeDuration.Observe(time.Since(start).Seconds())
	s.recordGeocode(r, err)
	if err != nil {
		if !errors.Is(err, geocode.ErrNoProvider) {
			zap.L().Warn("checker: geocode failed", zap.String("address", addr), zap.Error(err))
		}
		return nil
	}
	return r
}

func (s *Service) recordGeocode(r *geocode.Result, err error) {
	switch {
	case err != nil:
		s.metrics.GeocodeRequests.WithLabelValues("error").Inc()
	case r == nil || !r.Matched:
		s.metrics.GeocodeRequests.WithLabelValues("unmatched").Inc()
	default:
		s.metrics.GeocodeRequests.WithLabelValues("matched").Inc()
	}
}

func (s *Service) fromGeocode(addr string, geo *geocode.Result) (*model.CheckResult, error) {
	if geo == nil || !geo.Matched {
		return s.notGeocoded(addr), nil
	}
	return s.classify(addr, geo.Latitude, geo.Longitude, model.StringOrNil(geo.DisplayName), geocode.Confidence(geo.Importance))
}

// notGeocoded builds the result for an address without a usable point.
func (s *Service) notGeocoded(addr string) *model.CheckResult {
	hits := make([]model.LayerHit, 0, len(model.Layers))
	for _, l := range model.Layers {
		hits = append(hits, model.LayerHit{Layer: l, Reason: model.Ptr(ReasonNotGeocoded)})
	}
	s.metrics.Checks.WithLabelValues("not_geocoded").Inc()
	return &model.CheckResult{
		OK:           false,
		InputAddress: addr,
		Confidence:   0,
		Hits:         hits,
		Message:      model.Ptr(MessageNotGeocoded),
	}
}

// classify resolves every layer for the point and assembles the result.
func (s *Service) classify(addr string, lat, lon float64, normalized *string, confidence float64) (*model.CheckResult, error) {
	matches, err := s.layers.Classify(lat, lon)
	if err != nil {
		return nil, eris.Wrap(err, "checker: classify")
	}

	result := &model.CheckResult{
		InputAddress:      addr,
		NormalizedAddress: normalized,
		Lat:               model.Ptr(lat),
		Lon:               model.Ptr(lon),
		Hits:              make([]model.LayerHit, 0, len(matches)),
	}

	var missing []string
	for _, m := range matches {
		hit := model.LayerHit{Layer: m.Layer}
		switch {
		case m.Feature != nil:
			hit.Match = m.Name()
			s.metrics.LayerResults.WithLabelValues(string(m.Layer), "hit").Inc()
		case m.Empty:
			hit.Reason = model.Ptr(ReasonEmptyLayer)
			missing = append(missing, m.Layer.Label())
			s.metrics.LayerResults.WithLabelValues(string(m.Layer), "empty").Inc()
		default:
			hit.Reason = model.Ptr(ReasonNoPolygon)
			missing = append(missing, m.Layer.Label())
			s.metrics.LayerResults.WithLabelValues(string(m.Layer), "miss").Inc()
		}
		result.Hits = append(result.Hits, hit)

		switch m.Layer {
		case model.LayerMunicipality:
			result.Municipality = m.Name()
			if m.Feature != nil {
				if prov, ok := m.Feature.Extra("PROVINCE", "provname", "province"); ok {
					result.Province = model.StringOrNil(prov)
				}
			}
		case model.LayerNSC:
			result.NSCRegion = m.Name()
		case model.LayerMPR:
			result.MPRRegion = m.Name()
		case model.LayerCustom:
			result.CustomRegion = m.Name()
		}
	}

	result.OK = result.Municipality != nil
	if len(missing) > 0 {
		result.Message = model.Ptr("No match for: " + strings.Join(missing, ", ") +
			". If this is unexpected, refresh/download datasets.")
	}

	if result.OK {
		result.Confidence = confidence
		s.metrics.Checks.WithLabelValues("ok").Inc()
	} else {
		result.Confidence = math.Max(0.1, confidence)
		s.metrics.Checks.WithLabelValues("miss").Inc()
	}
	return result, nil
}

func (s *Service) persist(ctx context.Context, result *model.CheckResult) error {
	if err := s.store.InsertCheck(ctx, result.LogEntry()); err != nil {
		s.metrics.StoreErrors.Inc()
		return eris.Wrap(err, "checker: log check")
	}
	return nil
}
