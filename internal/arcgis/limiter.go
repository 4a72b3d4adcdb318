package arcgis

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Throttle paces page requests to one feature service. Each 429 halves the
// request rate down to a quarter of the starting rate; each accepted page
// raises it by a fifth, up to twice the starting rate.
type Throttle struct {
	lim *rate.Limiter

	mu         sync.Mutex
	floor, top rate.Limit
}

// NewThrottle starts at perSecond requests per second with the given burst.
func NewThrottle(perSecond rate.Limit, burst int) *Throttle {
	return &Throttle{
		lim:   rate.NewLimiter(perSecond, burst),
		floor: perSecond / 4,
		top:   perSecond * 2,
	}
}

// Wait blocks until the next request may go out.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.lim.Wait(ctx)
}

// Accepted records a page the server answered normally.
func (t *Throttle) Accepted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lim.SetLimit(min(t.lim.Limit()*1.2, t.top))
}

// Throttled records a 429 from the server.
func (t *Throttle) Throttled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := max(t.lim.Limit()/2, t.floor)
	t.lim.SetLimit(next)
	zap.L().Warn("arcgis: server throttled us, slowing down", zap.Float64("per_second", float64(next)))
}

// Rate is the current requests per second.
func (t *Throttle) Rate() rate.Limit {
	return t.lim.Limit()
}
