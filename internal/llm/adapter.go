// Package llm provides the pluggable streaming chat-completion contract the
// run engine drives, plus concrete adapters (Anthropic, AWS Bedrock) behind
// it. Every adapter call is expected to go through an
// internal/resilience.Caller for timeout/retry/circuit-breaker protection.
package llm

import (
	"context"
	"errors"
)

// Role is a chat message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is what the run engine hands an Adapter for one /run turn.
type ChatRequest struct {
	Model       string
	System      string
	History     []Message
	Message     string
	MaxTokens   int
	Temperature float64
}

// EventKind distinguishes the events an Adapter emits while streaming.
type EventKind string

const (
	EventTokenDelta EventKind = "token.delta"
	EventDone       EventKind = "done"
)

// Event is one unit of a streaming chat completion.
type Event struct {
	Kind  EventKind
	Delta string // set when Kind == EventTokenDelta
	Final string // set when Kind == EventDone: the full accumulated message
}

// Adapter is a pluggable streaming chat-completion back end. Implementations
// never buffer the whole response: they forward EventTokenDelta as tokens
// arrive, so the run engine can relay them onward as SSE token.delta events.
type Adapter interface {
	Name() string
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, <-chan error)
}

// ErrStreamInterrupted is returned on the error channel when ctx is
// cancelled (client disconnect) mid-stream, distinct from a provider-side
// failure so callers can audit the two outcomes differently.
var ErrStreamInterrupted = errors.New("llm: stream interrupted by context cancellation")
