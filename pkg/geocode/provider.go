package geocode

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/municipality-check/internal/resilience"
)

// ErrNoProvider is returned when no configured provider is available.
var ErrNoProvider = eris.New("geocode: no provider available")

// Provider represents a single geocoding backend.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
	Available() bool
}

// CascadeClient tries geocode providers in order until one matches.
type CascadeClient struct {
	providers        []Provider
	cache            Cache
	retry            resilience.RetryConfig
	breakers         *resilience.Breakers
	batchConcurrency int
}

// CascadeOption configures the CascadeClient.
type CascadeOption func(*CascadeClient)

// WithCache sets the result cache. Without one nothing is cached.
func WithCache(c Cache) CascadeOption {
	return func(cc *CascadeClient) {
		cc.cache = c
	}
}

// WithRetry sets the per-provider retry policy.
func WithRetry(cfg resilience.RetryConfig) CascadeOption {
	return func(cc *CascadeClient) {
		cc.retry = cfg
	}
}

// WithBreakers shares a circuit breaker registry with other clients.
func WithBreakers(b *resilience.Breakers) CascadeOption {
	return func(cc *CascadeClient) {
		if b != nil {
			cc.breakers = b
		}
	}
}

// WithBatchConcurrency sets the max parallel calls for BatchGeocode.
func WithBatchConcurrency(n int) CascadeOption {
	return func(cc *CascadeClient) {
		if n > 0 {
			cc.batchConcurrency = n
		}
	}
}

// NewCascadeClient creates a CascadeClient that tries providers in order.
func NewCascadeClient(providers []Provider, opts ...CascadeOption) *CascadeClient {
	c := &CascadeClient{
		providers: providers,
		retry:     resilience.DefaultRetryConfig(),
		breakers: resilience.NewBreakers(resilience.BreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
		batchConcurrency: 4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the circuit breaker registry, e.g. for health output.
func (c *CascadeClient) Breakers() *resilience.Breakers {
	return c.breakers
}

// Geocode implements Client. Unmatched results are cached like matches; provider
// errors are not. When every available provider errors the last error is returned.
func (c *CascadeClient) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	key := cacheKey(addr)
	log := zap.L().With(zap.String("component", "geocode"), zap.String("key", shortKey(key)))

	if c.cache != nil {
		cached, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			log.Warn("geocode cache read failed", zap.Error(err))
		} else if ok {
			log.Debug("geocode cache hit", zap.Bool("matched", cached.Matched))
			return cached, nil
		}
	}

	var (
		lastErr    error
		lastResult *Result
		tried      int
	)
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		tried++

		result, err := c.callProvider(ctx, p, addr)
		if err != nil {
			log.Debug("geocode provider error, trying next",
				zap.String("provider", p.Name()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		if result == nil {
			result = &Result{Matched: false, Source: p.Name()}
		}
		if result.Matched {
			c.store(ctx, key, result)
			return result, nil
		}
		lastResult = result
	}

	if tried == 0 {
		return nil, ErrNoProvider
	}
	if lastResult == nil {
		return nil, eris.Wrap(lastErr, "geocode: all providers failed")
	}

	noMatch := &Result{Matched: false, Source: lastResult.Source}
	// A miss is only final when no provider failed along the way.
	if lastErr == nil {
		c.store(ctx, key, noMatch)
	}
	return noMatch, nil
}

// callProvider runs one provider call behind its circuit breaker, retrying transient errors.
func (c *CascadeClient) callProvider(ctx context.Context, p Provider, addr AddressInput) (*Result, error) {
	retry := c.retry
	retry.OnRetry = resilience.RetryLogger(p.Name(), "geocode")

	return resilience.Call(ctx, c.breakers.Get(p.Name()), func(ctx context.Context) (*Result, error) {
		return resilience.Retry(ctx, retry, func(ctx context.Context) (*Result, error) {
			return p.Geocode(ctx, addr)
		})
	})
}

func (c *CascadeClient) store(ctx context.Context, key string, r *Result) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, r); err != nil {
		zap.L().Warn("geocode cache write failed", zap.String("key", shortKey(key)), zap.Error(err))
	}
}

// BatchGeocode implements Client by geocoding addresses in parallel.
// Individual failures yield unmatched results rather than failing the batch.
func (c *CascadeClient) BatchGeocode(ctx context.Context, addrs []AddressInput) ([]Result, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	results := make([]Result, len(addrs))

	eg, gCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.batchConcurrency)

	for i, addr := range addrs {
		if addr.ID == "" {
			addr.ID = strconv.Itoa(i)
		}
		eg.Go(func() error {
			r, gcErr := c.Geocode(gCtx, addr)
			if gcErr != nil || r == nil {
				results[i] = Result{Matched: false}
				return nil //nolint:nilerr // individual geocode failures don't fail the batch
			}
			results[i] = *r
			return nil
		})
	}

	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return results, eris.Wrap(err, "geocode: batch cancelled")
	}
	return results, nil
}
