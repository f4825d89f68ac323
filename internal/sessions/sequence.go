package sessions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/coachd/internal/backoff"
	"github.com/haasonsaas/coachd/pkg/models"
)

// ConflictObserver is notified each time an append loses a sequence race.
type ConflictObserver func(sessionID string, attempt int)

// sequenceAllocator wraps single-shot append attempts in the bounded,
// jittered retry loop shared by every Store implementation.
type sequenceAllocator struct {
	policy      backoff.BackoffPolicy
	maxAttempts int
	logger      *slog.Logger
	onConflict  ConflictObserver
}

func newSequenceAllocator(logger *slog.Logger) sequenceAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return sequenceAllocator{
		policy:      backoff.ContentionPolicy(),
		maxAttempts: MaxAppendAttempts,
		logger:      logger,
	}
}

// append calls try until it stops reporting ErrSequenceConflict.
// try receives the attempt number and performs one read-max/insert cycle.
func (a sequenceAllocator) append(ctx context.Context, sessionID string, try func(ctx context.Context) (*models.Event, error)) (*models.Event, error) {
	result, err := backoff.Retry(ctx, backoff.RetryOptions{
		Policy:      a.policy,
		MaxAttempts: a.maxAttempts,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrSequenceConflict)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if a.onConflict != nil {
				a.onConflict(sessionID, attempt)
			}
			a.logger.Debug("sequence conflict, retrying append",
				"session_id", sessionID,
				"attempt", attempt,
				"delay", delay)
		},
	}, func(ctx context.Context, _ int) (*models.Event, error) {
		return try(ctx)
	})
	if err != nil {
		if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
			if a.onConflict != nil {
				a.onConflict(sessionID, result.Attempts)
			}
			a.logger.Error("append failed after sequence conflicts",
				"session_id", sessionID,
				"attempts", result.Attempts)
		}
		return nil, err
	}
	return result.Value, nil
}
