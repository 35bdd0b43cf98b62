package bulkhead

import (
	"context"
	"testing"
	"time"
)

func TestBulkhead_TryAcquireSaturates(t *testing.T) {
	b := New(1)
	release, err := b.TryAcquire()
	if err != nil {
		t.Fatalf("first TryAcquire() error = %v", err)
	}
	if _, err := b.TryAcquire(); err != ErrSaturated {
		t.Fatalf("second TryAcquire() error = %v, want ErrSaturated", err)
	}
	release()
	if _, err := b.TryAcquire(); err != nil {
		t.Fatalf("TryAcquire() after release error = %v", err)
	}
}

func TestBulkhead_AcquireBlocksUntilRelease(t *testing.T) {
	b := New(1)
	release, _ := b.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to block until timeout")
	}
	release()

	release2, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	release2()
}

func TestBulkhead_InUseTracksHeldSlots(t *testing.T) {
	b := New(2)
	if b.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0", b.InUse())
	}
	release, _ := b.TryAcquire()
	if b.InUse() != 1 {
		t.Fatalf("InUse() = %d, want 1", b.InUse())
	}
	release()
}
