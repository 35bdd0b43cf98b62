package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/resilience"
)

// Service runs Adapter.Retrieve through the same timeout/retry/circuit
// breaker path every external adapter call uses, then enforces the
// uniform result contract (sorted, truncated) regardless of whether the
// underlying adapter already did so.
type Service struct {
	adapter Adapter
	caller  *resilience.Caller
}

func NewService(adapter Adapter, extCallTimeout time.Duration, cbOpenSeconds int) *Service {
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "retrieval:" + adapter.Name(),
		MaxFailures: 5,
		OpenTimeout: time.Duration(cbOpenSeconds) * time.Second,
		HalfOpenMax: 1,
	})
	caller := resilience.NewCaller(breaker, extCallTimeout, resilience.DefaultRetryConfig())
	return &Service{adapter: adapter, caller: caller}
}

func (s *Service) Retrieve(ctx context.Context, query string, topK int, tenantID, corpusID uuid.UUID) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	var chunks []Chunk
	err := s.caller.Call(ctx, func(callCtx context.Context) error {
		result, err := s.adapter.Retrieve(callCtx, query, topK, tenantID, corpusID)
		if err != nil {
			return err
		}
		chunks = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return sortAndTruncate(chunks, topK), nil
}
