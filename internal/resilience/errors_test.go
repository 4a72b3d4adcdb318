package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("geocode: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid layer url")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("read tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient_NetTimeout(t *testing.T) {
	if !IsTransient(fmt.Errorf("get: %w", timeoutErr{})) {
		t.Error("net timeout should be transient")
	}
}

func TestIsTransient_MessagePattern(t *testing.T) {
	if !IsTransient(errors.New("Get \"https://x\": TLS handshake timeout")) {
		t.Error("tls handshake timeout should be transient")
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("%d should be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("%d should not be transient", code)
		}
	}
}

func TestStatusError(t *testing.T) {
	err := StatusError("nominatim", &http.Response{StatusCode: 503})
	if !IsTransient(err) {
		t.Error("503 should produce a transient error")
	}
	var te *TransientError
	if !errors.As(err, &te) || te.StatusCode != 503 {
		t.Errorf("expected TransientError with status 503, got %v", err)
	}

	err = StatusError("arcgis", &http.Response{StatusCode: 404})
	if IsTransient(err) {
		t.Error("404 should not be transient")
	}
	if got := err.Error(); got != "arcgis: unexpected status 404" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestStatusError_RetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: 429, Header: http.Header{"Retry-After": {"7"}}}
	var te *TransientError
	if !errors.As(StatusError("nominatim", resp), &te) {
		t.Fatal("expected TransientError")
	}
	if te.RetryAfter != 7*time.Second {
		t.Errorf("expected 7s, got %v", te.RetryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cases := map[string]time.Duration{
		"":                              0,
		"0":                             0,
		"-3":                            0,
		"12":                            12 * time.Second,
		"soon":                          0,
		"Mon, 02 Mar 2026 09:00:30 GMT": 30 * time.Second,
		"Mon, 02 Mar 2026 08:59:00 GMT": 0,
	}
	for in, want := range cases {
		if got := parseRetryAfter(in, now); got != want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}
