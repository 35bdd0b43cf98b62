package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicStream is the subset of *anthropic.Stream[anthropic.MessageStreamEventUnion]
// the adapter needs, narrowed so tests can drive it without a live API key.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// anthropicMessages is the subset of the client's Messages service the
// adapter calls, narrowed for fakeability.
type anthropicMessages interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams) anthropicStream
}

// AnthropicAdapter streams chat completions from Anthropic's Messages API.
type AnthropicAdapter struct {
	messages anthropicMessages
	model    string
}

func NewAnthropicAdapter(apiKey, model string) *AnthropicAdapter {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{messages: realAnthropicMessages{client: &client}, model: model}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	model := req.Model
	if model == "" {
		model = a.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
		System:    systemBlocks(req.System),
		Messages:  toAnthropicMessages(req.History, req.Message),
	}

	go func() {
		defer close(events)
		defer close(errs)

		stream := a.messages.NewStreaming(ctx, params)
		var final string

		for stream.Next() {
			select {
			case <-ctx.Done():
				errs <- ErrStreamInterrupted
				return
			default:
			}

			event := stream.Current()
			delta, ok := extractTextDelta(event)
			if !ok {
				continue
			}
			final += delta
			select {
			case events <- Event{Kind: EventTokenDelta, Delta: delta}:
			case <-ctx.Done():
				errs <- ErrStreamInterrupted
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("anthropic stream: %w", err)
			return
		}

		events <- Event{Kind: EventDone, Final: final}
	}()

	return events, errs
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}

func systemBlocks(system string) []anthropic.TextBlockParam {
	if system == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Text: system}}
}

func toAnthropicMessages(history []Message, message string) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	return out
}

// extractTextDelta pulls the text fragment out of a content-block-delta
// stream event; other event kinds (message_start, content_block_start,
// message_delta, message_stop) are ignored here.
func extractTextDelta(event anthropic.MessageStreamEventUnion) (string, bool) {
	delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
	if !ok {
		return "", false
	}
	textDelta, ok := delta.Delta.AsAny().(anthropic.TextDelta)
	if !ok {
		return "", false
	}
	return textDelta.Text, true
}

// realAnthropicMessages adapts *anthropic.Client's real Messages service to
// the anthropicMessages interface above.
type realAnthropicMessages struct {
	client *anthropic.Client
}

func (r realAnthropicMessages) NewStreaming(ctx context.Context, params anthropic.MessageNewParams) anthropicStream {
	return r.client.Messages.NewStreaming(ctx, params)
}
