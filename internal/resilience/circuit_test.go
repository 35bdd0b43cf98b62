package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 2, OpenTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := b.Execute(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() error = %v, want boom", err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	if err := b.Execute(context.Background(), func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("Execute() while open error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_ClosesAfterSuccessfulHalfOpenTrial(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, OpenTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	boom := errors.New("boom")

	if err := b.Execute(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)

	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("half-open trial Execute() error = %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() = %v, want closed after successful trial", got)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Name: "test", MaxFailures: 1, OpenTimeout: time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(context.Background(), func() error { return errors.New("boom") })

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("transitions = %v, want [closed->open]", transitions)
	}
}
