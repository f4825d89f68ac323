package providers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/coachd/internal/backoff"
)

// RetryConfig controls how a provider retries transient failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// Policy defaults to backoff.DefaultPolicy.
	Policy *backoff.BackoffPolicy

	Logger *slog.Logger
}

type retrier struct {
	provider string
	attempts int
	policy   backoff.BackoffPolicy
	logger   *slog.Logger
}

func newRetrier(provider string, cfg RetryConfig) retrier {
	r := retrier{
		provider: provider,
		attempts: cfg.MaxRetries + 1,
		policy:   backoff.DefaultPolicy(),
		logger:   cfg.Logger,
	}
	if cfg.MaxRetries <= 0 {
		r.attempts = 4
	}
	if cfg.Policy != nil {
		r.policy = *cfg.Policy
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// call runs fn with backoff. fn must return errors already wrapped as
// *ProviderError so retryability can be decided from the reason.
func call[T any](ctx context.Context, r retrier, model string, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := backoff.Retry(ctx, backoff.RetryOptions{
		Policy:      r.policy,
		MaxAttempts: r.attempts,
		Retryable:   IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.WarnContext(ctx, "retrying provider request",
				"provider", r.provider,
				"model", model,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err)
		},
	}, func(ctx context.Context, _ int) (T, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
			if perr, ok := GetProviderError(err); ok {
				return zero, perr
			}
		}
		return zero, err
	}
	return result.Value, nil
}
