package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/municipality-check/internal/config"
	"github.com/sells-group/municipality-check/internal/model"
	"github.com/sells-group/municipality-check/internal/store"
)

func failingStats() *mockStats {
	return &mockStats{stats: &store.CheckStats{
		Total:       10,
		OK:          1,
		LayerMisses: map[model.Layer]int{},
	}}
}

func TestChecker_CheckOnce(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.5, WebhookURL: ts.URL}
	fc := clockwork.NewFakeClockAt(fixedNow)
	checker := NewChecker(NewCollector(failingStats(), nil, fc), NewAlerter(cfg), cfg, fc)

	alerts := checker.CheckOnce(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCheckFailureRate, alerts[0].Type)
	assert.Equal(t, fixedNow, alerts[0].Timestamp)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckOnceCollectError(t *testing.T) {
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.5}
	checker := NewChecker(NewCollector(&mockStats{err: errors.New("boom")}, nil, nil), NewAlerter(cfg), cfg, nil)

	assert.Nil(t, checker.CheckOnce(context.Background()))
}

func TestChecker_RunTicksAndStops(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    60,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.5,
		WebhookURL:           ts.URL,
	}
	fc := clockwork.NewFakeClockAt(fixedNow)
	checker := NewChecker(NewCollector(failingStats(), nil, fc), NewAlerter(cfg), cfg, fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, fc.BlockUntilContext(waitCtx, 1))

	fc.Advance(time.Minute)
	assert.Eventually(t, func() bool { return received.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockStats{}, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{}, nil)
	require.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_SuppressesRepeatAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.5, WebhookURL: ts.URL}
	fc := clockwork.NewFakeClockAt(fixedNow)
	checker := NewChecker(NewCollector(failingStats(), nil, fc), NewAlerter(cfg), cfg, fc)

	require.Len(t, checker.CheckOnce(context.Background()), 1)
	require.Len(t, checker.CheckOnce(context.Background()), 1, "still raised")
	assert.Equal(t, int32(1), received.Load(), "posted once")

	fc.Advance(realertAfter)
	checker.CheckOnce(context.Background())
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_RetriesUndeliveredAlertTypes(t *testing.T) {
	posted := map[AlertType]int{}
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		posted[alert.Type]++
		mu.Unlock()
		if alert.Type == AlertGeocoderDown {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{LookbackWindowHours: 24, FailureRateThreshold: 0.5, WebhookURL: ts.URL}
	fc := clockwork.NewFakeClockAt(fixedNow)
	breakers := staticBreakers{"nominatim": "open"}
	alerter := NewAlerter(cfg, WithWebhookRetry(fastRetry(1)))
	checker := NewChecker(NewCollector(failingStats(), breakers, fc), alerter, cfg, fc)

	require.Len(t, checker.CheckOnce(context.Background()), 2)
	require.Len(t, checker.CheckOnce(context.Background()), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, posted[AlertCheckFailureRate], "delivered type is held back")
	assert.Equal(t, 2, posted[AlertGeocoderDown], "rejected type is posted again")
}
