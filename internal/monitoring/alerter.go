package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/config"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCheckFailureRate AlertType = "check_failure_rate"
	AlertStaleDatasets    AlertType = "stale_datasets"
	AlertGeocoderDown     AlertType = "geocoder_circuit_open"
)

// minChecks is the number of checks a window needs before rate-based alerts fire.
const minChecks = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns a Snapshot into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithWebhookClient replaces the webhook HTTP client.
func WithWebhookClient(c *http.Client) AlerterOption {
	return func(a *Alerter) {
		if c != nil {
			a.client = c
		}
	}
}

// WithWebhookRetry sets the retry policy for webhook posts.
func WithWebhookRetry(cfg resilience.RetryConfig) AlerterOption {
	return func(a *Alerter) {
		a.retry = cfg
	}
}

// NewAlerter creates an Alerter for the given thresholds and webhook.
func NewAlerter(cfg config.MonitoringConfig, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if snap.Total >= minChecks && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCheckFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Check failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d checks in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, snap.Total, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"not_geocoded": snap.NotGeocoded,
				"total":        snap.Total,
			},
			Timestamp: now,
		})
	}

	// A layer that misses every geocoded point usually has no data on disk.
	if snap.Geocoded >= minChecks {
		var stale []string
		for _, l := range model.Layers {
			if snap.LayerMisses[l] >= snap.Geocoded {
				stale = append(stale, string(l))
			}
		}
		if len(stale) > 0 {
			alerts = append(alerts, Alert{
				Type:     AlertStaleDatasets,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%d layer(s) matched none of %d geocoded checks in last %dh: %v",
					len(stale), snap.Geocoded, snap.LookbackHours, stale,
				),
				Details: map[string]any{
					"layers":   stale,
					"geocoded": snap.Geocoded,
				},
				Timestamp: now,
			})
		}
	}

	var open []string
	for name, state := range snap.Geocoders {
		if state == "open" {
			open = append(open, name)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:      AlertGeocoderDown,
			Severity:  "high",
			Message:   fmt.Sprintf("Geocoder circuit open for %v", open),
			Details:   map[string]any{"providers": open},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts each alert to the webhook, retrying throttled or failed
// deliveries, and returns the alerts the webhook accepted. Without a webhook it
// sends nothing.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) []Alert {
	if a.cfg.WebhookURL == "" {
		return nil
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	retry := a.retry
	retry.OnRetry = resilience.RetryLogger("webhook", "alert")

	var sent []Alert
	for _, alert := range alerts {
		_, err := resilience.Retry(ctx, retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.post(ctx, alert)
		})
		if err != nil {
			log.Error("monitoring: alert not delivered", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		log.Info("monitoring: alert delivered", zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		sent = append(sent, alert)
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return resilience.StatusError("monitoring: webhook", resp)
	}
	return nil
}
