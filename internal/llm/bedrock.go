package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// bedrockClient is the subset of *bedrockruntime.Client the adapter needs.
type bedrockClient interface {
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// BedrockAdapter streams chat completions from an Anthropic-on-Bedrock
// model via InvokeModelWithResponseStream, using the same Anthropic
// "messages" wire format Bedrock expects for Claude models.
type BedrockAdapter struct {
	client bedrockClient
	model  string
}

func NewBedrockAdapter(client *bedrockruntime.Client, modelID string) *BedrockAdapter {
	return &BedrockAdapter{client: client, model: modelID}
}

func (a *BedrockAdapter) Name() string { return "bedrock" }

// bedrockInvokeBody is the Anthropic Messages wire shape Bedrock's
// anthropic.* model family expects in InvokeModelWithResponseStreamInput's
// Body.
type bedrockInvokeBody struct {
	AnthropicVersion string                 `json:"anthropic_version"`
	MaxTokens        int                    `json:"max_tokens"`
	System           string                 `json:"system,omitempty"`
	Messages         []bedrockInvokeMessage `json:"messages"`
}

type bedrockInvokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// bedrockStreamChunk is one decoded chunk.bytes payload from the response
// stream for Anthropic-on-Bedrock models.
type bedrockStreamChunk struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

func (a *BedrockAdapter) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]bedrockInvokeMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		messages = append(messages, bedrockInvokeMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, bedrockInvokeMessage{Role: string(RoleUser), Content: req.Message})

	body, err := json.Marshal(bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokensOrDefault(req.MaxTokens),
		System:           req.System,
		Messages:         messages,
	})
	if err != nil {
		errs <- fmt.Errorf("marshal bedrock invoke body: %w", err)
		close(events)
		close(errs)
		return events, errs
	}

	go func() {
		defer close(events)
		defer close(errs)

		out, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     &model,
			Body:        body,
			ContentType: strPtr("application/json"),
		})
		if err != nil {
			errs <- fmt.Errorf("bedrock invoke: %w", err)
			return
		}

		var final string
		stream := out.GetStream()
		defer stream.Close()

		for event := range stream.Events() {
			select {
			case <-ctx.Done():
				errs <- ErrStreamInterrupted
				return
			default:
			}

			chunkEvent, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var chunk bedrockStreamChunk
			if err := json.Unmarshal(chunkEvent.Value.Bytes, &chunk); err != nil {
				continue
			}
			if chunk.Type != "content_block_delta" || chunk.Delta.Text == "" {
				continue
			}

			final += chunk.Delta.Text
			select {
			case events <- Event{Kind: EventTokenDelta, Delta: chunk.Delta.Text}:
			case <-ctx.Done():
				errs <- ErrStreamInterrupted
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("bedrock stream: %w", err)
			return
		}

		events <- Event{Kind: EventDone, Final: final}
	}()

	return events, errs
}

func strPtr(s string) *string { return &s }
