package resilience

import (
	"context"
	"time"
)

// Caller composes a circuit breaker, a per-call timeout, and bounded retries
// into the single call path every external adapter (LLM, TTS, KMS,
// retrieval provider) goes through.
type Caller struct {
	breaker *Breaker
	timeout time.Duration
	retry   RetryConfig
}

func NewCaller(breaker *Breaker, timeout time.Duration, retry RetryConfig) *Caller {
	return &Caller{breaker: breaker, timeout: timeout, retry: retry}
}

// Call runs fn under a deadline, retries transient failures with backoff,
// and counts failures toward the circuit breaker. A single open-circuit
// trip short-circuits every attempt rather than retrying into a breaker
// that has already decided to reject.
func (c *Caller) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, c.retry, func() error {
		callCtx, cancel := WithTimeout(ctx, c.timeout)
		defer cancel()

		err := c.breaker.Execute(callCtx, func() error {
			return fn(callCtx)
		})
		if err == ErrCircuitOpen || err == ErrTooManyRequests {
			return Permanent(err)
		}
		return err
	})
}
