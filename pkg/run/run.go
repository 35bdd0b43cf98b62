// Package run drives the /run SSE turn: retrieve context for a corpus,
// stream an LLM completion, optionally synthesize audio, and persist the
// session state — the single place those four stages are sequenced.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/bulkhead"
	"github.com/nexusrag/nexusrag/internal/entitlement"
	"github.com/nexusrag/nexusrag/internal/llm"
	"github.com/nexusrag/nexusrag/internal/retrieval"
	"github.com/nexusrag/nexusrag/internal/telemetry"
	"github.com/nexusrag/nexusrag/internal/tts"
	"github.com/nexusrag/nexusrag/pkg/corpus"
	"github.com/nexusrag/nexusrag/pkg/session"
)

// ChatStreamer is the narrow surface of *llm.Service the run engine drives.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Event, <-chan error)
}

// Retriever is the narrow surface of *retrieval.Service the run engine
// drives for one corpus's configured provider.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, tenantID, corpusID uuid.UUID) ([]retrieval.Chunk, error)
}

// Synthesizer is the narrow surface of *tts.Service the run engine drives
// for the optional audio stage.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (tts.Result, error)
}

// RetrieverFactory builds a retrieval.Adapter for a corpus's (normalized)
// ProviderConfig. *retrieval.Factory satisfies this.
type RetrieverFactory interface {
	Build(config retrieval.ProviderConfig) (retrieval.Adapter, error)
}

// Handler serves POST /v1/run: one call sequences retrieval, LLM
// streaming, optional audio synthesis, and session persistence, emitting
// SSE events for each stage as it completes.
type Handler struct {
	Sessions     *session.Store
	Corpora      *corpus.Store
	Retrievers   RetrieverFactory
	Chat         ChatStreamer
	Audio        Synthesizer
	Entitlements *entitlement.Checker
	Bulkhead     *bulkhead.Bulkhead
	Audit        AuditRecorder
	Logger       *slog.Logger
	Metrics      *telemetry.RunMetrics

	HeartbeatInterval time.Duration
	ExtCallTimeout    time.Duration
	CBOpenSeconds     int
	HistoryMaxTurns   int
	Model             string
	MaxTokens         int
	Temperature       float64
	SystemInstructions string

	mu         sync.Mutex
	retrievers map[uuid.UUID]Retriever // lazily built per corpus, so breaker state persists across requests
}

// runRequest is the POST /v1/run request body.
type runRequest struct {
	SessionID string `json:"session_id"`
	CorpusID  string `json:"corpus_id"`
	Message   string `json:"message"`
	TopK      int    `json:"top_k"`
	Audio     bool   `json:"audio"`
}

func (h *Handler) retrieverFor(corpusID uuid.UUID, config retrieval.ProviderConfig) (Retriever, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retrievers == nil {
		h.retrievers = map[uuid.UUID]Retriever{}
	}
	if r, ok := h.retrievers[corpusID]; ok {
		return r, nil
	}
	adapter, err := h.Retrievers.Build(config)
	if err != nil {
		return nil, err
	}
	svc := retrieval.NewService(adapter, h.ExtCallTimeout, h.CBOpenSeconds)
	h.retrievers[corpusID] = svc
	return svc, nil
}

// ServeHTTP implements http.Handler. Admission (auth, kill switches, rate
// limits, quota, idempotency, write-freeze) is expected to have already run
// as middleware upstream of this handler — ServeHTTP only performs the
// checks specific to /run: corpus resolution, session tenancy, and the
// audio feature gate.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := auth.FromContext(ctx)
	if identity == nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no authenticated caller")
		return
	}
	tenantID := identity.TenantID

	if r.Header.Get("Last-Event-ID") != "" {
		h.serveResumeUnsupported(w)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed request body")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "session_id must be a UUID")
		return
	}
	corpusID, err := uuid.Parse(req.CorpusID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "corpus_id must be a UUID")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "message must not be empty")
		return
	}

	release, err := h.Bulkhead.TryAcquire()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_BUSY", "the run engine is at capacity")
		return
	}
	defer release()

	corp, err := h.Corpora.Get(ctx, tenantID, corpusID)
	if errors.Is(err, corpus.ErrNotFound) {
		respondError(w, http.StatusNotFound, "CORPUS_NOT_FOUND", "corpus not found")
		return
	} else if err != nil {
		h.Logger.Error("run: resolving corpus", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "resolving corpus")
		return
	}

	sess, err := h.Sessions.Upsert(ctx, tenantID, sessionID, corpusID)
	if errors.Is(err, session.ErrTenantMismatch) {
		respondError(w, http.StatusConflict, "TENANT_MISMATCH", "session belongs to a different tenant")
		return
	} else if err != nil {
		h.Logger.Error("run: upserting session", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "upserting session")
		return
	}

	if req.Audio {
		enabled, err := h.Entitlements.IsEnabled(ctx, tenantID, entitlement.FeatureTTS)
		if err != nil || !enabled {
			respondError(w, http.StatusForbidden, "FEATURE_NOT_ENABLED", "text-to-speech is not enabled for this tenant")
			return
		}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = corp.ProviderConfig.TopKDefault
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "streaming is not supported by this connection")
		return
	}

	requestID := uuid.New()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := newSSEWriter(w, flusher, requestID, h.Metrics)
	stopHeartbeat := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go h.runHeartbeat(sw, stopHeartbeat, &hbWG)
	defer func() {
		close(stopHeartbeat)
		hbWG.Wait()
	}()

	if h.Metrics != nil {
		h.Metrics.RunsStartedTotal.WithLabelValues(tenantID.String()).Inc()
	}
	start := time.Now()
	status := h.runTurn(ctx, sw, identity, r, tenantID, sess, corp, req.Message, topK, req.Audio, debugRequested(r))
	if h.Metrics != nil {
		h.Metrics.RunsCompletedTotal.WithLabelValues(tenantID.String(), status).Inc()
		h.Metrics.RunDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

func debugRequested(r *http.Request) bool {
	v := r.URL.Query().Get("debug")
	return v == "1" || v == "true"
}

func errorCode(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ":"); i > 0 {
		candidate := msg[:i]
		if candidate == strings.ToUpper(candidate) && !strings.Contains(candidate, " ") {
			return candidate
		}
	}
	return "INTERNAL_ERROR"
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
		"meta":  map[string]string{"api_version": "v1"},
	})
}

func (h *Handler) serveResumeUnsupported(w http.ResponseWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "streaming is not supported by this connection")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sw := newSSEWriter(w, flusher, uuid.New(), h.Metrics)
	sw.emit(EventResumeUnsupported, map[string]any{})
	sw.emit(EventDone, map[string]any{})
}
