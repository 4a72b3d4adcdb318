// Package resilience provides retry and circuit breaker helpers for outbound HTTP calls
// (geocoders, ArcGIS layers).
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of one Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a Breaker opens and how long it stays open.
type BreakerConfig struct {
	// Threshold is the number of consecutive tripping failures that opens the
	// breaker. Default: 5.
	Threshold int

	// Cooldown is how long an open breaker rejects calls before it lets a
	// single probe through. Default: 30s.
	Cooldown time.Duration

	// ShouldTrip picks the errors that count as failures. Default: any error.
	ShouldTrip func(err error) bool

	// OnStateChange runs after every transition. Transitions are always logged.
	OnStateChange func(name string, from, to CircuitState)

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

func (cfg BreakerConfig) withDefaults() BreakerConfig {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(err error) bool { return err != nil }
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return cfg
}

// Breaker guards calls to one upstream, such as a single geocoding provider.
// After Cooldown an open breaker admits exactly one probe; its outcome decides
// whether the breaker closes or opens for another Cooldown.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker for the named upstream.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name returns the upstream name.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs fn through b. It returns ErrCircuitOpen without calling fn while
// the breaker is open or a half-open probe is already in flight.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.admit()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(probe, err)
	return val, err
}

// State reports the breaker's state. An open breaker whose cooldown has
// elapsed reads as half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooledDown() {
		return CircuitHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.moveTo(CircuitClosed)
}

func (b *Breaker) cooledDown() bool {
	return b.cfg.Clock.Since(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if !b.cooledDown() {
			return false, ErrCircuitOpen
		}
		b.moveTo(CircuitHalfOpen)
	}
	if b.probing {
		return false, ErrCircuitOpen
	}
	b.probing = true
	return true, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}

	tripped := err != nil && b.cfg.ShouldTrip(err)
	if !tripped {
		b.failures = 0
		if probe {
			b.moveTo(CircuitClosed)
		}
		return
	}

	b.failures++
	if probe || b.failures >= b.cfg.Threshold {
		b.openedAt = b.cfg.Clock.Now()
		b.moveTo(CircuitOpen)
	}
}

func (b *Breaker) moveTo(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	log := zap.L().With(
		zap.String("component", "resilience"),
		zap.String("upstream", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if to == CircuitOpen {
		log.Warn("circuit opened", zap.Int("failures", b.failures), zap.Duration("cooldown", b.cfg.Cooldown))
	} else {
		log.Info("circuit state changed")
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers hands out one Breaker per upstream name, all sharing a config.
type Breakers struct {
	cfg BreakerConfig

	mu     sync.Mutex
	byName map[string]*Breaker
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, byName: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byName[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.byName[name] = b
	}
	return b
}

// States maps every known upstream to its state name.
func (r *Breakers) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.byName))
	for name, b := range r.byName {
		out[name] = b.State().String()
	}
	return out
}
