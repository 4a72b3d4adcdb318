package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/arcgis"
	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/config"
	"github.com/sells-group/municipality-check/internal/db"
	"github.com/sells-group/municipality-check/internal/resilience"
	"github.com/sells-group/municipality-check/internal/store"
	"github.com/sells-group/municipality-check/pkg/geocode"
)

// initStore opens the configured audit store and applies its schema.
func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch sc.Driver {
	case "sqlite", "":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "municipality_check.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, sc.DatabaseURL, &db.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// initCache builds the geocode cache. The returned func releases it.
func initCache(ctx context.Context, cc config.CacheConfig) (geocode.Cache, func(), error) {
	ttl := time.Duration(cc.TTLHours) * time.Hour
	switch cc.Driver {
	case "none":
		return nil, func() {}, nil
	case "redis":
		rc, err := geocode.NewRedisCache(cc.RedisURL, ttl)
		if err != nil {
			return nil, nil, err
		}
		if err := rc.Ping(ctx); err != nil {
			rc.Close() //nolint:errcheck
			return nil, nil, err
		}
		return rc, func() { rc.Close() }, nil //nolint:errcheck
	default:
		return geocode.NewMemoryCache(cc.MaxEntries, ttl, nil), func() {}, nil
	}
}

// initGeocoder builds the provider cascade. It returns nil when no provider is
// enabled, which turns geocoding off.
func initGeocoder(ctx context.Context, gc config.GeocoderConfig, cc config.CacheConfig) (*geocode.CascadeClient, func(), error) {
	if !gc.Enabled() {
		zap.L().Info("geocoding disabled; requests need lat/lon")
		return nil, func() {}, nil
	}

	timeout := time.Duration(gc.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	hc := &http.Client{Timeout: timeout}

	var providers []geocode.Provider
	if gc.AllowNominatim {
		providers = append(providers, geocode.NewNominatimProvider(
			geocode.WithNominatimURL(gc.NominatimURL),
			geocode.WithUserAgent(gc.UserAgent),
			geocode.WithRateLimit(gc.RateLimit),
			geocode.WithHTTPClient(hc),
		))
	}
	if gc.GoogleKey != "" {
		providers = append(providers, geocode.NewGoogleProvider(gc.GoogleKey, hc))
	}

	cache, release, err := initCache(ctx, cc)
	if err != nil {
		return nil, nil, err
	}

	opts := []geocode.CascadeOption{
		geocode.WithRetry(resilience.DefaultRetryConfig().WithAttempts(gc.MaxAttempts)),
		geocode.WithBatchConcurrency(gc.BatchSize),
	}
	if cache != nil {
		opts = append(opts, geocode.WithCache(cache))
	}

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	zap.L().Info("geocoding enabled", zap.Strings("providers", names), zap.String("cache", cc.Driver))

	return geocode.NewCascadeClient(providers, opts...), release, nil
}

// initLayers loads every boundary layer from the data folders.
func initLayers(ctx context.Context, data config.DataConfig) (*boundary.Set, error) {
	set := boundary.NewSet(boundary.DefaultSpecs(data))
	if err := set.LoadAll(ctx); err != nil {
		return nil, eris.Wrap(err, "load boundary layers")
	}
	for _, s := range set.Stats() {
		zap.L().Info("boundary layer loaded",
			zap.String("layer", string(s.Layer)),
			zap.String("dir", s.Dir),
			zap.Int("files", s.Files),
			zap.Int("features", s.Features),
		)
	}
	return set, nil
}

// newFetcher builds the ArcGIS layer downloader.
func newFetcher(ac config.ArcGISConfig, userAgent string) *arcgis.Fetcher {
	return arcgis.NewFetcher(arcgis.Options{
		UserAgent: userAgent,
		Timeout:   time.Duration(ac.TimeoutSecs) * time.Second,
		PageSize:  ac.PageSize,
	})
}
