package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusrag/nexusrag/internal/resilience"
)

// Service selects the configured Adapter and opens each chat stream
// through a circuit breaker.
type Service struct {
	adapter Adapter
	caller  *resilience.Caller
}

func NewService(adapter Adapter, extCallTimeout time.Duration, cbOpenSeconds int) *Service {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "llm:" + adapter.Name(),
		MaxFailures: 5,
		OpenTimeout: time.Duration(cbOpenSeconds) * time.Second,
		HalfOpenMax: 1,
	})
	caller := resilience.NewCaller(breaker, extCallTimeout, resilience.DefaultRetryConfig())
	return &Service{adapter: adapter, caller: caller}
}

// StreamChat streams a chat completion. The adapter is called through the
// circuit breaker, but an adapter returns its channels at once and reports
// upstream failures on its error channel, so the breaker counts every call
// it lets through as a success and no failure is retried. The stream runs
// under ctx; token events are forwarded as-is, and an upstream error is
// passed on after the last event.
func (s *Service) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		var upstream <-chan Event
		var upstreamErrs <-chan error

		err := s.caller.Call(ctx, func(context.Context) error {
			upstream, upstreamErrs = s.adapter.StreamChat(ctx, req)
			return nil
		})
		if err != nil {
			errs <- fmt.Errorf("%s: %w", s.adapter.Name(), err)
			return
		}

		for ev := range upstream {
			select {
			case events <- ev:
			case <-ctx.Done():
				errs <- ErrStreamInterrupted
				return
			}
		}

		// upstream is drained and closed; the adapter goroutine has already
		// sent its (buffered, at most one) error before closing, if any.
		if err, ok := <-upstreamErrs; ok && err != nil {
			errs <- err
		}
	}()

	return events, errs
}
