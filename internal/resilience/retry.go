package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RetryConfig is the backoff policy for one kind of outbound call.
type RetryConfig struct {
	// MaxAttempts counts the first call. Default: 3.
	MaxAttempts int

	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 10s
	Multiplier     float64       // default 2
	JitterFraction float64       // ±fraction of each delay; default 0.25

	// ShouldRetry overrides IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry runs before each sleep with the 1-based number of the failed attempt.
	OnRetry func(attempt int, err error)

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns the policy used for geocoder and ArcGIS calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// WithAttempts returns a copy of cfg with MaxAttempts set when n > 0.
func (cfg RetryConfig) WithAttempts(n int) RetryConfig {
	if n > 0 {
		cfg.MaxAttempts = n
	}
	return cfg
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

// Retry calls fn until it succeeds, fails with an error ShouldRetry rejects,
// runs out of attempts, or ctx ends. On failure it returns the zero value and
// the last error.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		timer := cfg.Clock.NewTimer(delayFor(attempt, err, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.Chan():
		}
	}
}

// delayFor is the sleep after the given failed attempt. A server's
// Retry-After wins over the computed backoff but is still capped by MaxBackoff.
func delayFor(attempt int, err error, cfg RetryConfig) time.Duration {
	var te *TransientError
	if errors.As(err, &te) && te.RetryAfter > 0 {
		return min(te.RetryAfter, cfg.MaxBackoff)
	}
	return backoff(attempt, cfg)
}

func backoff(attempt int, cfg RetryConfig) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	d = math.Min(d, float64(cfg.MaxBackoff))
	if cfg.JitterFraction > 0 {
		d += (rand.Float64()*2 - 1) * d * cfg.JitterFraction
	}
	return time.Duration(math.Max(d, 0))
}

// RetryLogger returns an OnRetry callback that logs each retry.
func RetryLogger(upstream, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying request",
			zap.String("upstream", upstream),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
