package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("Retry() expected an error after exhausting attempts")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	permErr := errors.New("permanent")
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return Permanent(permErr)
	})
	if !errors.Is(err, permErr) {
		t.Fatalf("Retry() error = %v, want permErr", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after Permanent)", attempts)
	}
}

func TestRetry_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

	attempts := 0
	cancel()
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("Retry() expected an error when context is already cancelled")
	}
}
