package resilience

import (
	"context"
	"time"
)

// WithTimeout derives a child context bounded by timeout, the
// EXT_CALL_TIMEOUT_MS every external adapter call is subject to. The
// returned cancel must be called once fn has returned.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
