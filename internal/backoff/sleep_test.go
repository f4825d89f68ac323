package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSleepWithContext_Completes(t *testing.T) {
	start := time.Now()
	if err := SleepWithContext(context.Background(), 5*time.Millisecond); err != nil {
		t.Fatalf("SleepWithContext() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("slept %v, want >= 5ms", elapsed)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("SleepWithContext() error = %v, want context.Canceled", err)
	}
}

func TestSleepWithContext_ZeroDuration(t *testing.T) {
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Errorf("SleepWithContext(0) error = %v", err)
	}
}
