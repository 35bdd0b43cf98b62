package run

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/telemetry"
)

// Event names, per the SSE framing fixed event vocabulary.
const (
	EventRequestAccepted   = "request.accepted"
	EventTokenDelta        = "token.delta"
	EventMessageFinal      = "message.final"
	EventAudioReady        = "audio.ready"
	EventAudioError        = "audio.error"
	EventDebugRetrieval    = "debug.retrieval"
	EventHeartbeat         = "heartbeat"
	EventError             = "error"
	EventDone              = "done"
	EventResumeUnsupported = "resume.unsupported"
)

// sseWriter serializes one request's SSE frames: every emit assigns the
// next monotonic seq and flushes immediately, so token frames reach the
// client with minimal buffering.
type sseWriter struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	requestID uuid.UUID
	metrics   *telemetry.RunMetrics

	mu       sync.Mutex
	seq      int
	lastSent time.Time
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher, requestID uuid.UUID, metrics *telemetry.RunMetrics) *sseWriter {
	return &sseWriter{w: w, flusher: flusher, requestID: requestID, metrics: metrics, lastSent: time.Now()}
}

// emit writes one SSE frame, stamping seq and request_id onto payload.
func (s *sseWriter) emit(event string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	payload["seq"] = s.seq
	payload["request_id"] = s.requestID
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"failed to encode event payload"}`)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
	s.lastSent = time.Now()
	if s.metrics != nil {
		s.metrics.StreamEventsTotal.WithLabelValues(event).Inc()
	}
}

func (s *sseWriter) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastSent)
}

// runHeartbeat emits a heartbeat event whenever no other event has been
// sent for at least one interval, so long gaps (slow retrieval, a stalled
// upstream LLM token) keep the connection visibly alive without disturbing
// the seq ordering of real events.
func (h *Handler) runHeartbeat(sw *sseWriter, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if sw.idleSince() >= interval {
				if h.Metrics != nil {
					h.Metrics.StreamHeartbeatsSent.Inc()
				}
				sw.emit(EventHeartbeat, map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)})
			}
		}
	}
}
