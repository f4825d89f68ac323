package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/coachd/internal/backoff"
)

func fastRetry(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries: retries,
		Policy:     &backoff.BackoffPolicy{InitialMs: 1, MaxMs: 2, Factor: 1},
	}
}

func TestCallRetriesTransientErrors(t *testing.T) {
	r := newRetrier("test", fastRetry(2))
	attempts := 0
	got, err := call(context.Background(), r, "m", func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewProviderError("test", "m", errors.New("x")).WithStatus(503)
		}
		return "ok", nil
	})
	if err != nil || got != "ok" || attempts != 3 {
		t.Fatalf("call() = %q, %v after %d attempts", got, err, attempts)
	}
}

func TestCallStopsOnPermanentError(t *testing.T) {
	r := newRetrier("test", fastRetry(5))
	attempts := 0
	_, err := call(context.Background(), r, "m", func(context.Context) (string, error) {
		attempts++
		return "", NewProviderError("test", "m", errors.New("x")).WithStatus(400)
	})
	perr, ok := GetProviderError(err)
	if !ok || perr.Reason != FailoverInvalidRequest || attempts != 1 {
		t.Fatalf("expected one invalid_request attempt, got %v after %d", err, attempts)
	}
}

func TestCallReturnsProviderErrorWhenExhausted(t *testing.T) {
	r := newRetrier("test", fastRetry(1))
	attempts := 0
	_, err := call(context.Background(), r, "m", func(context.Context) (string, error) {
		attempts++
		return "", NewProviderError("test", "m", errors.New("x")).WithStatus(429)
	})
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if perr, ok := err.(*ProviderError); !ok || perr.Reason != FailoverRateLimit {
		t.Fatalf("expected bare ProviderError, got %T %v", err, err)
	}
}

func TestNewRetrierDefaults(t *testing.T) {
	r := newRetrier("test", RetryConfig{})
	if r.attempts != 4 || r.policy != backoff.DefaultPolicy() || r.logger == nil {
		t.Fatalf("unexpected defaults %+v", r)
	}
}
