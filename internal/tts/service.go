package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusrag/nexusrag/internal/resilience"
)

// Service runs Adapter.Synthesize through the same timeout/retry/circuit
// breaker path every external adapter call uses.
type Service struct {
	adapter Adapter
	caller  *resilience.Caller
}

func NewService(adapter Adapter, extCallTimeout time.Duration, cbOpenSeconds int) *Service {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "tts:" + adapter.Name(),
		MaxFailures: 5,
		OpenTimeout: time.Duration(cbOpenSeconds) * time.Second,
		HalfOpenMax: 1,
	})
	caller := resilience.NewCaller(breaker, extCallTimeout, resilience.DefaultRetryConfig())
	return &Service{adapter: adapter, caller: caller}
}

func (s *Service) Synthesize(ctx context.Context, text, voice string) (Result, error) {
	var result Result
	err := s.caller.Call(ctx, func(callCtx context.Context) error {
		r, err := s.adapter.Synthesize(callCtx, text, voice)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	return result, nil
}
