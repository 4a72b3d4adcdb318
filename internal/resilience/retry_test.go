package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	v, err := Retry(context.Background(), DefaultRetryConfig(), func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("unexpected result %q, %v", v, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_SuccessAfterTransientFailures(t *testing.T) {
	var calls int
	v, err := Retry(context.Background(), fastRetry(3), func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewTransientError(errors.New("nominatim busy"), 503)
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("unexpected result %v, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	var calls int
	v, err := Retry(context.Background(), fastRetry(2), func(_ context.Context) (string, error) {
		calls++
		return "partial", NewTransientError(errors.New("still busy"), 429)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if v != "" {
		t.Errorf("expected zero value, got %q", v)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetry_NonTransientStopsImmediately(t *testing.T) {
	var calls int
	_, err := Retry(context.Background(), fastRetry(5), func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, Clock: clock}

	var calls int
	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, cfg, func(_ context.Context) (int, error) {
			calls++
			return 0, NewTransientError(errors.New("timeout"), 504)
		})
		done <- err
	}()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancel, got %d", calls)
	}
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Minute, Clock: clock}

	var calls int
	done := make(chan error, 1)
	go func() {
		_, err := Retry(context.Background(), cfg, func(_ context.Context) (int, error) {
			calls++
			if calls == 1 {
				te := NewTransientError(errors.New("slow down"), 429)
				te.RetryAfter = 20 * time.Second
				return 0, te
			}
			return 1, nil
		})
		done <- err
	}()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(19 * time.Second)
	select {
	case <-done:
		t.Fatal("retried before Retry-After elapsed")
	default:
	}
	clock.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := fastRetry(3)
	cfg.OnRetry = func(attempt int, _ error) {
		attempts = append(attempts, attempt)
	}

	_, _ = Retry(context.Background(), cfg, func(_ context.Context) (int, error) {
		return 0, NewTransientError(errors.New("x"), 500)
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected retry attempts: %v", attempts)
	}
}

func TestRetry_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(error) bool { return true }

	_, _ = Retry(context.Background(), cfg, func(_ context.Context) (int, error) {
		calls++
		return 0, errors.New("plain")
	})
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_Caps(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		Multiplier:     2,
	}.withDefaults()

	if got := backoff(1, cfg); got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := backoff(2, cfg); got != 200*time.Millisecond {
		t.Errorf("attempt 2: got %v", got)
	}
	if got := backoff(6, cfg); got != 250*time.Millisecond {
		t.Errorf("attempt 6: got %v", got)
	}
}

func TestBackoff_JitterWithinRange(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, JitterFraction: 0.5}.withDefaults()
	for i := 0; i < 50; i++ {
		got := backoff(1, cfg)
		if got < 50*time.Millisecond || got > 150*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestDelayFor_RetryAfterCapped(t *testing.T) {
	cfg := RetryConfig{MaxBackoff: 5 * time.Second}.withDefaults()
	te := NewTransientError(errors.New("x"), 429)
	te.RetryAfter = time.Minute
	if got := delayFor(1, te, cfg); got != 5*time.Second {
		t.Errorf("expected cap at 5s, got %v", got)
	}
}

func TestWithAttempts(t *testing.T) {
	cfg := DefaultRetryConfig().WithAttempts(7)
	if cfg.MaxAttempts != 7 {
		t.Errorf("expected 7, got %d", cfg.MaxAttempts)
	}
	cfg = cfg.WithAttempts(0)
	if cfg.MaxAttempts != 7 {
		t.Errorf("zero should keep 7, got %d", cfg.MaxAttempts)
	}
}
