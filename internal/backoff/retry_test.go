package backoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errTemporary = errors.New("temporary error")
	errPermanent = errors.New("permanent error")
)

func fastOptions(maxAttempts int) RetryOptions {
	return RetryOptions{
		Policy:      BackoffPolicy{InitialMs: 1, MaxMs: 5, Factor: 2},
		MaxAttempts: maxAttempts,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	var calls int32
	result, err := Retry(context.Background(), fastOptions(3), func(ctx context.Context, attempt int) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if result.Value != "ok" || result.Attempts != 1 {
		t.Errorf("Retry() = %+v, want value ok after 1 attempt", result)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_SucceedsAfterRetries(t *testing.T) {
	var retries []int
	opts := fastOptions(5)
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	result, err := Retry(context.Background(), opts, func(ctx context.Context, attempt int) (int, error) {
		if attempt < 3 {
			return 0, errTemporary
		}
		return attempt, nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if result.Value != 3 || result.Attempts != 3 {
		t.Errorf("Retry() = %+v, want value 3 after 3 attempts", result)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	var calls int32
	result, err := Retry(context.Background(), fastOptions(5), func(ctx context.Context, attempt int) (struct{}, error) {
		atomic.AddInt32(&calls, 1)
		return struct{}{}, errTemporary
	})
	if !errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Errorf("Retry() error = %v, want ErrMaxAttemptsExhausted", err)
	}
	if !errors.Is(err, errTemporary) {
		t.Errorf("Retry() error = %v, want wrapped errTemporary", err)
	}
	if calls != 5 || result.Attempts != 5 {
		t.Errorf("calls = %d, attempts = %d, want 5", calls, result.Attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	opts := fastOptions(5)
	opts.Retryable = func(err error) bool { return errors.Is(err, errTemporary) }

	var calls int32
	_, err := Retry(context.Background(), opts, func(ctx context.Context, attempt int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Errorf("Retry() error = %v, want errPermanent", err)
	}
	if errors.Is(err, ErrMaxAttemptsExhausted) {
		t.Error("non-retryable error should not report exhaustion")
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}

func TestRetry_ContextCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := RetryOptions{
		Policy:      BackoffPolicy{InitialMs: 10000, MaxMs: 10000, Factor: 1},
		MaxAttempts: 3,
		OnRetry:     func(int, error, time.Duration) { cancel() },
	}

	_, err := Retry(ctx, opts, func(ctx context.Context, attempt int) (int, error) {
		return 0, errTemporary
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int32
	_, _ = Retry(context.Background(), RetryOptions{}, func(ctx context.Context, attempt int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errTemporary
	})
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}
