package geocode

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/municipality-check/internal/resilience"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// fastRetry retries without meaningful sleeps.
func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

// newRewriteClient creates an HTTP client that rewrites requests to a test server URL.
// All requests matching the target prefix are redirected to the test server.
func newRewriteClient(testServerURL, targetPrefix string) *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			base:         http.DefaultTransport,
			testServer:   testServerURL,
			targetPrefix: targetPrefix,
		},
	}
}

type rewriteTransport struct {
	base         http.RoundTripper
	testServer   string
	targetPrefix string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	if strings.HasPrefix(origURL, t.targetPrefix) {
		suffix := origURL[len(t.targetPrefix):]
		newURL := t.testServer + suffix
		newReq := req.Clone(req.Context())
		parsed, err := req.URL.Parse(newURL)
		if err != nil {
			return nil, err
		}
		newReq.URL = parsed
		newReq.Host = parsed.Host
		return t.base.RoundTrip(newReq)
	}
	return t.base.RoundTrip(req)
}

// stubProvider is a scripted Provider.
type stubProvider struct {
	name      string
	available bool
	result    *Result
	err       error
	calls     atomic.Int32
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return s.available }

func (s *stubProvider) Geocode(_ context.Context, _ AddressInput) (*Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}
