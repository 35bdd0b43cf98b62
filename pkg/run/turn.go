package run

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/llm"
	"github.com/nexusrag/nexusrag/internal/retrieval"
	"github.com/nexusrag/nexusrag/pkg/corpus"
	"github.com/nexusrag/nexusrag/pkg/session"
)

// runTurn sequences retrieval, LLM streaming, persistence, and the
// optional audio stage for one accepted /run request, emitting SSE events
// for each stage. Errors from any stage surface as an SSE error event
// rather than closing the connection early — the accepted request is
// always audited, and any retrieval already completed is still recorded.
func (h *Handler) runTurn(ctx context.Context, sw *sseWriter, identity *auth.Identity, r *http.Request, tenantID uuid.UUID, sess *session.Session, corp *corpus.Corpus, message string, topK int, audioRequested, debug bool) string {
	sw.emit(EventRequestAccepted, map[string]any{"session_id": sess.ID, "corpus_id": corp.ID})

	ev := &auditRun{
		TenantID:   tenantID,
		RequestID:  sw.requestID,
		SessionID:  sess.ID,
		CorpusID:   corp.ID,
		Actor:      identity,
		IPAddress:  clientIP(r),
		UserAgent:  r.Header.Get("User-Agent"),
	}

	history, err := h.Sessions.RecentMessages(ctx, tenantID, sess.ID, h.historyMaxTurns())
	if err != nil {
		h.Logger.Error("run: loading session history", "error", err, "session_id", sess.ID)
	}

	chunks, retrieveErr := h.retrieveChunks(ctx, tenantID, corp, message, topK)
	ev.RetrievalChunks = len(chunks)
	if retrieveErr != nil {
		ev.RetrievalFailed = true
		sw.emit(EventError, map[string]any{
			"error_code": errorCode(retrieveErr),
			"message":    "retrieval failed; continuing without retrieved context",
		})
	} else if debug {
		sw.emit(EventDebugRetrieval, map[string]any{"chunks": debugChunks(chunks)})
	}

	systemPrompt, err := h.renderSystemPrompt(corp, chunks)
	if err != nil {
		h.Logger.Error("run: rendering system prompt", "error", err)
	}

	chatReq := llm.ChatRequest{
		Model:       h.Model,
		System:      systemPrompt,
		History:     historyToLLM(history),
		Message:     message,
		MaxTokens:   h.MaxTokens,
		Temperature: h.Temperature,
	}

	final, streamErr := h.streamCompletion(ctx, sw, chatReq)
	ev.MessageLength = len(final)

	if streamErr != nil {
		ev.Outcome = "error"
		ev.ErrorCode = errorCode(streamErr)
		sw.emit(EventError, map[string]any{"error_code": ev.ErrorCode, "message": "language model streaming failed"})
		h.persistTurn(ctx, tenantID, sess.ID, message, final, sw.requestID)
		h.Audit.Record(ctx, ev.toEvent())
		sw.emit(EventDone, map[string]any{})
		return ev.Outcome
	}

	sw.emit(EventMessageFinal, map[string]any{"message": final})
	h.persistTurn(ctx, tenantID, sess.ID, message, final, sw.requestID)

	if audioRequested {
		ev.AudioRequested = true
		result, err := h.Audio.Synthesize(ctx, final, "")
		if err != nil {
			ev.AudioFailed = true
			sw.emit(EventAudioError, map[string]any{"error_code": errorCode(err), "message": "speech synthesis failed"})
		} else {
			sw.emit(EventAudioReady, map[string]any{
				"audio_url":    result.AudioURL,
				"content_type": result.ContentType,
				"duration_ms":  result.DurationMS,
			})
		}
	}

	ev.Outcome = "success"
	h.Audit.Record(ctx, ev.toEvent())
	sw.emit(EventDone, map[string]any{})
	return ev.Outcome
}

func (h *Handler) historyMaxTurns() int {
	if h.HistoryMaxTurns <= 0 {
		return 20
	}
	return h.HistoryMaxTurns
}

func (h *Handler) retrieveChunks(ctx context.Context, tenantID uuid.UUID, corp *corpus.Corpus, message string, topK int) ([]retrieval.Chunk, error) {
	retriever, err := h.retrieverFor(corp.ID, corp.ProviderConfig)
	if err != nil {
		return nil, err
	}
	return retriever.Retrieve(ctx, message, topK, tenantID, corp.ID)
}

func (h *Handler) renderSystemPrompt(corp *corpus.Corpus, chunks []retrieval.Chunk) (string, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return llm.RenderSystemPrompt(corp.Name, texts, h.SystemInstructions)
}

// streamCompletion forwards token.delta events as they arrive and returns
// the accumulated final message. A context cancellation (client disconnect)
// or upstream failure is returned as an error without panicking the
// handler — the caller decides how to report it.
func (h *Handler) streamCompletion(ctx context.Context, sw *sseWriter, req llm.ChatRequest) (string, error) {
	events, errs := h.Chat.StreamChat(ctx, req)
	var final strings.Builder
	for e := range events {
		switch e.Kind {
		case llm.EventTokenDelta:
			final.WriteString(e.Delta)
			sw.emit(EventTokenDelta, map[string]any{"delta": e.Delta})
		case llm.EventDone:
			if e.Final != "" {
				final.Reset()
				final.WriteString(e.Final)
			}
		}
	}
	if err := <-errs; err != nil {
		return final.String(), err
	}
	return final.String(), nil
}

func (h *Handler) persistTurn(ctx context.Context, tenantID, sessionID uuid.UUID, userMessage, assistantMessage string, requestID uuid.UUID) {
	if _, err := h.Sessions.AppendMessage(ctx, tenantID, sessionID, session.RoleUser, userMessage); err != nil {
		h.Logger.Error("run: persisting user message", "error", err, "session_id", sessionID)
	}
	if assistantMessage != "" {
		if _, err := h.Sessions.AppendMessage(ctx, tenantID, sessionID, session.RoleAssistant, assistantMessage); err != nil {
			h.Logger.Error("run: persisting assistant message", "error", err, "session_id", sessionID)
		}
	}
	if err := h.Sessions.SetCheckpoint(ctx, tenantID, sessionID, requestID); err != nil {
		h.Logger.Error("run: setting session checkpoint", "error", err, "session_id", sessionID)
	}
}

func historyToLLM(msgs []session.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		role := llm.RoleUser
		if m.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		out[i] = llm.Message{Role: role, Content: m.Content}
	}
	return out
}

func debugChunks(chunks []retrieval.Chunk) []map[string]any {
	out := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		out[i] = map[string]any{
			"chunk_id": c.ChunkID,
			"text":     c.Text,
			"score":    c.Score,
			"metadata": c.Metadata,
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		return host[:i]
	}
	return host
}
