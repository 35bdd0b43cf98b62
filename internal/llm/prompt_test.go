package llm

import (
	"strings"
	"testing"
)

func TestRenderSystemPrompt_IncludesChunksAndInstructions(t *testing.T) {
	got, err := RenderSystemPrompt("acme", []string{"chunk one", "chunk two"}, "Be concise.")
	if err != nil {
		t.Fatalf("RenderSystemPrompt() error = %v", err)
	}
	if !strings.Contains(got, "acme") {
		t.Error("expected tenant name in rendered prompt")
	}
	if !strings.Contains(got, "[1] chunk one") || !strings.Contains(got, "[2] chunk two") {
		t.Errorf("expected numbered chunks in rendered prompt, got %q", got)
	}
	if !strings.Contains(got, "Be concise.") {
		t.Error("expected instructions in rendered prompt")
	}
}

func TestHistory_CapsAtMaxTurns(t *testing.T) {
	h := NewHistory(2)
	h.Append(RoleUser, "one")
	h.Append(RoleAssistant, "two")
	h.Append(RoleUser, "three")

	got := h.Messages()
	if len(got) != 2 {
		t.Fatalf("len(Messages()) = %d, want 2", len(got))
	}
	if got[0].Content != "two" || got[1].Content != "three" {
		t.Errorf("Messages() = %+v, want the most recent 2 turns", got)
	}
}

func TestHistory_MessagesReturnsACopy(t *testing.T) {
	h := NewHistory(5)
	h.Append(RoleUser, "one")

	got := h.Messages()
	got[0].Content = "mutated"

	if h.Messages()[0].Content != "one" {
		t.Error("Messages() should return a defensive copy")
	}
}
