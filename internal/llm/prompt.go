package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/prompts"
)

// systemPromptTemplate renders the retrieval-grounded system prompt handed
// to an Adapter: the corpus's retrieved chunks plus tenant-configured
// instructions, templated with langchaingo's prompts package rather than
// hand-rolled string concatenation.
var systemPromptTemplate = prompts.NewPromptTemplate(
	`You are the retrieval assistant for tenant {{.tenant_name}}. Answer using only the context below; say you don't know rather than guessing.

Context:
{{.context}}

{{.instructions}}`,
	[]string{"tenant_name", "context", "instructions"},
)

// RenderSystemPrompt fills the system prompt template from retrieved chunks
// and tenant-configured instructions.
func RenderSystemPrompt(tenantName string, chunks []string, instructions string) (string, error) {
	context := ""
	for i, c := range chunks {
		context += fmt.Sprintf("[%d] %s\n", i+1, c)
	}

	rendered, err := systemPromptTemplate.Format(map[string]any{
		"tenant_name":  tenantName,
		"context":      context,
		"instructions": instructions,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return rendered, nil
}

// History accumulates a session's turns in order, capped at maxTurns so a
// long-running session's prompt doesn't grow unbounded.
type History struct {
	maxTurns int
	messages []Message
}

func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &History{maxTurns: maxTurns}
}

func (h *History) Append(role Role, content string) {
	h.messages = append(h.messages, Message{Role: role, Content: content})
	if len(h.messages) > h.maxTurns {
		h.messages = h.messages[len(h.messages)-h.maxTurns:]
	}
}

func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}
