// Package resilience provides the fault-tolerance primitives every external
// adapter call (LLM, TTS, KMS, retrieval provider) goes through: a timeout,
// a circuit breaker, and bounded exponential-backoff retries. It wraps
// sony/gobreaker and cenkalti/backoff rather than hand-rolling either.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State under our own name so callers never import
// gobreaker directly.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateOpen     State = State(gobreaker.StateOpen)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// BreakerConfig configures one integration's circuit breaker.
type BreakerConfig struct {
	Name          string
	MaxFailures   uint32        // consecutive failures before opening
	OpenTimeout   time.Duration // time in open state before half-open (CB_OPEN_SECONDS)
	HalfOpenMax   uint32        // trial requests allowed in half-open
	OnStateChange func(name string, from, to State)
}

// Breaker wraps gobreaker.CircuitBreaker, preserving the closed -> open ->
// half_open -> closed cycle with a cooldown and trial calls.
type Breaker struct {
	gb *gobreaker.CircuitBreaker
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, State(from), State(to))
		}
	}

	return &Breaker{gb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) State() State {
	return State(b.gb.State())
}

// Execute runs fn under circuit-breaker protection. ctx is not consumed by
// gobreaker itself — callers combine Execute with WithTimeout so fn still
// observes a deadline.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	_, err := b.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	return mapBreakerError(err)
}

func mapBreakerError(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrCircuitOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrTooManyRequests
	default:
		return err
	}
}
