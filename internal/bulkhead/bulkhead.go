// Package bulkhead caps concurrency per route class (RUN_MAX_CONCURRENCY,
// INGEST_MAX_CONCURRENCY): once a class's limit is saturated, further
// admission attempts fail fast rather than queueing unbounded work.
package bulkhead

import (
	"context"
	"errors"
)

// ErrSaturated is returned by TryAcquire when the bulkhead is full. Callers
// map this to 503 SERVICE_BUSY.
var ErrSaturated = errors.New("bulkhead: at capacity")

// Bulkhead bounds the number of concurrent in-flight operations for one
// route class using a buffered channel as a counting semaphore — the
// standard Go idiom for this, not a borrowed library primitive.
type Bulkhead struct {
	slots chan struct{}
}

func New(capacity int) *Bulkhead {
	return &Bulkhead{slots: make(chan struct{}, capacity)}
}

// TryAcquire claims a slot without blocking, returning ErrSaturated if none
// are free.
func (b *Bulkhead) TryAcquire() (release func(), err error) {
	select {
	case b.slots <- struct{}{}:
		return func() { <-b.slots }, nil
	default:
		return nil, ErrSaturated
	}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (b *Bulkhead) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case b.slots <- struct{}{}:
		return func() { <-b.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of currently held slots.
func (b *Bulkhead) InUse() int { return len(b.slots) }
