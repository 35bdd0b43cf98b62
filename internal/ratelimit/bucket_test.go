package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, failMode FailMode) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewLimiter(rdb, failMode), mr
}

func TestLimiter_AllowsWithinCapacity(t *testing.T) {
	limiter, _ := newTestLimiter(t, FailClosed)
	limit := Limit{RPS: 1, Capacity: 3}

	for i := 0; i < 3; i++ {
		result, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "key-1", limit)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d: Allowed = false, want true", i)
		}
	}
}

func TestLimiter_DeniesOverCapacity(t *testing.T) {
	limiter, _ := newTestLimiter(t, FailClosed)
	limit := Limit{RPS: 1, Capacity: 2}

	for i := 0; i < 2; i++ {
		if _, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "key-2", limit); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}

	result, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "key-2", limit)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("Allowed = true, want false after exhausting capacity")
	}
	if result.RetryAfterMS <= 0 {
		t.Errorf("RetryAfterMS = %d, want > 0", result.RetryAfterMS)
	}
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(t, FailClosed)
	limit := Limit{RPS: 1, Capacity: 1}

	if _, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "tenant-a", limit); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	result, err := limiter.Check(context.Background(), ScopeTenant, RouteClassRun, "tenant-a", limit)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Allowed {
		t.Fatal("Allowed = false, want true — key and tenant scopes must not share a bucket")
	}
}

func TestLimiter_FailOpenDegradesOnBackendError(t *testing.T) {
	limiter, mr := newTestLimiter(t, FailOpen)
	mr.Close() // simulate backend unavailability

	result, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "key-3", Limit{RPS: 1, Capacity: 1})
	if err != nil {
		t.Fatalf("Check() error = %v, want nil (fail-open swallows backend errors)", err)
	}
	if !result.Allowed || !result.Degraded {
		t.Errorf("Result = %+v, want Allowed=true Degraded=true", result)
	}
}

func TestLimiter_FailClosedReturnsErrorOnBackendError(t *testing.T) {
	limiter, mr := newTestLimiter(t, FailClosed)
	mr.Close()

	_, err := limiter.Check(context.Background(), ScopeKey, RouteClassRun, "key-4", Limit{RPS: 1, Capacity: 1})
	if err == nil {
		t.Fatal("Check() error = nil, want ErrUnavailable")
	}
}

func TestTTLSeconds(t *testing.T) {
	tests := []struct {
		name  string
		limit Limit
		min   int64
	}{
		{"zero rps falls back to an hour", Limit{RPS: 0, Capacity: 10}, 3600},
		{"small bucket floors at sixty seconds", Limit{RPS: 100, Capacity: 1}, 60},
		{"large bucket scales with fill time", Limit{RPS: 1, Capacity: 120}, 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ttlSeconds(tt.limit)
			if got < tt.min {
				t.Errorf("ttlSeconds(%+v) = %d, want >= %d", tt.limit, got, tt.min)
			}
		})
	}
}
