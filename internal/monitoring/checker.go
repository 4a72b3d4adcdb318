// Package monitoring watches the check audit log and raises webhook alerts when checks
// start failing or a boundary layer stops matching.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/config"
)

// realertAfter is how long an alert type stays quiet after it was delivered.
const realertAfter = time.Hour

// Checker evaluates check health on an interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	clock     clockwork.Clock

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker wires a collector and alerter. A nil clock means the real clock.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, clock clockwork.Clock) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		clock:     clock,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run calls CheckOnce every check interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	every := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if every <= 0 {
		every = 5 * time.Minute
	}
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring started", zap.Duration("every", every), zap.Int("lookback_hours", c.cfg.LookbackWindowHours))

	ticker := c.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			c.CheckOnce(ctx)
		case <-ctx.Done():
			log.Info("monitoring stopped")
			return
		}
	}
}

// CheckOnce evaluates one snapshot and returns every alert it raised. Alerts
// whose type was delivered within the last hour are not posted again.
func (c *Checker) CheckOnce(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect snapshot", zap.Error(err))
		return nil
	}
	raised := c.alerter.Evaluate(snap)
	if len(raised) == 0 {
		return nil
	}

	fresh := c.unsent(raised)
	delivered := c.alerter.SendAlerts(ctx, fresh)
	c.markSent(delivered)
	log.Info("monitoring: alerts raised",
		zap.Int("raised", len(raised)),
		zap.Int("attempted", len(fresh)),
		zap.Int("delivered", len(delivered)),
	)
	return raised
}

func (c *Checker) unsent(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < realertAfter {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
