package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have been exhausted.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// RetryOptions configures Retry.
type RetryOptions struct {
	Policy      BackoffPolicy
	MaxAttempts int

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// RetryResult holds the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the successful result value.
	Value T
	// Attempts is the number of attempts made (1-indexed).
	Attempts int
	// LastError is the last error encountered, if any.
	LastError error
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
//
// Non-retryable errors are returned unchanged. Exhaustion returns an error
// matching both ErrMaxAttemptsExhausted and the last error via errors.Is.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context, attempt int) (T, error)) (RetryResult[T], error) {
	var result RetryResult[T]
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			return result, err
		}

		value, err := fn(ctx, attempt)
		if err == nil {
			result.Value = value
			result.LastError = nil
			return result, nil
		}
		result.LastError = err

		if opts.Retryable != nil && !opts.Retryable(err) {
			return result, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := ComputeBackoff(opts.Policy, attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}
		if err := SleepWithContext(ctx, delay); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExhausted, result.Attempts, result.LastError)
}
