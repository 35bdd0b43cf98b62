package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/bulkhead"
	"github.com/nexusrag/nexusrag/internal/llm"
	"github.com/nexusrag/nexusrag/internal/retrieval"
	"github.com/nexusrag/nexusrag/internal/tts"
	"github.com/nexusrag/nexusrag/pkg/corpus"
	"github.com/nexusrag/nexusrag/pkg/session"
)

// fakeCorpusDB and fakeSessionDB are in-memory stand-ins for corpus.QueryDB
// and session.QueryDB, mirroring the fakes pkg/corpus and pkg/session each
// define for their own store tests — package run can't reach those
// unexported helpers, so the run engine's tests carry their own copy.
type fakeCorpusDB struct {
	rows map[uuid.UUID]*corpus.Corpus
}

func newFakeCorpusDB() *fakeCorpusDB {
	return &fakeCorpusDB{rows: map[uuid.UUID]*corpus.Corpus{}}
}

func (f *fakeCorpusDB) hasName(tenantID uuid.UUID, name string) bool {
	for _, c := range f.rows {
		if c.TenantID == tenantID && c.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeCorpusDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "SELECT name") {
		id := args[1].(uuid.UUID)
		c, ok := f.rows[id]
		if !ok {
			return corpusFakeRow{missing: true}
		}
		return corpusFakeRow{corpus: c}
	}
	return corpusFakeRow{missing: true}
}

func (f *fakeCorpusDB) Exec(_ context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	if strings.Contains(sql, "INSERT INTO public.corpora") {
		id := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		name := args[2].(string)
		raw := args[3].([]byte)
		if f.hasName(tenantID, name) {
			return pgx.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		var cfg retrieval.ProviderConfig
		_ = json.Unmarshal(raw, &cfg)
		f.rows[id] = &corpus.Corpus{ID: id, TenantID: tenantID, Name: name, ProviderConfig: cfg}
	}
	return pgx.CommandTag{}, nil
}

func (f *fakeCorpusDB) Query(_ context.Context, _ string, _ ...any) (corpus.Rows, error) {
	return nil, nil
}

type corpusFakeRow struct {
	corpus  *corpus.Corpus
	missing bool
}

func (r corpusFakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	raw, _ := json.Marshal(r.corpus.ProviderConfig)
	*dest[0].(*string) = r.corpus.Name
	*dest[1].(*[]byte) = raw
	return nil
}

type fakeSessionDB struct {
	sessions map[uuid.UUID]*session.Session
	messages map[uuid.UUID][]session.Message
}

func newFakeSessionDB() *fakeSessionDB {
	return &fakeSessionDB{
		sessions: map[uuid.UUID]*session.Session{},
		messages: map[uuid.UUID][]session.Message{},
	}
}

func (f *fakeSessionDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "INSERT INTO public.sessions"):
		sessionID := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		corpusID := args[2].(uuid.UUID)
		existing, ok := f.sessions[sessionID]
		if ok && existing.TenantID != tenantID {
			return sessionFakeRow{missing: true}
		}
		now := time.Now()
		if ok {
			existing.CorpusID = corpusID
			existing.UpdatedAt = now
			return sessionFakeRow{sess: existing}
		}
		s := &session.Session{ID: sessionID, TenantID: tenantID, CorpusID: corpusID, CreatedAt: now, UpdatedAt: now}
		f.sessions[sessionID] = s
		return sessionFakeRow{sess: s}
	case strings.Contains(sql, "SELECT corpus_id"):
		tenantID := args[0].(uuid.UUID)
		id := args[1].(uuid.UUID)
		s, ok := f.sessions[id]
		if !ok || s.TenantID != tenantID {
			return sessionFakeRow{missing: true}
		}
		return sessionFakeRow{sess: s}
	case strings.Contains(sql, "INSERT INTO public.messages"):
		id := args[0].(uuid.UUID)
		sessionID := args[1].(uuid.UUID)
		tenantID := args[2].(uuid.UUID)
		role := args[3].(string)
		content := args[4].(string)
		now := time.Now()
		f.messages[sessionID] = append(f.messages[sessionID], session.Message{
			ID: id, SessionID: sessionID, TenantID: tenantID, Role: session.Role(role), Content: content, CreatedAt: now,
		})
		return sessionFakeRow{createdAt: now}
	}
	return sessionFakeRow{missing: true}
}

func (f *fakeSessionDB) Exec(_ context.Context, _ string, _ ...any) (pgx.CommandTag, error) {
	return pgx.CommandTag{}, nil
}

func (f *fakeSessionDB) Query(_ context.Context, _ string, args ...any) (session.Rows, error) {
	tenantID := args[0].(uuid.UUID)
	sessionID := args[1].(uuid.UUID)
	var msgs []session.Message
	for _, m := range f.messages[sessionID] {
		if m.TenantID == tenantID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return &fakeSessionRows{msgs: msgs, idx: -1}, nil
}

type sessionFakeRow struct {
	sess      *session.Session
	missing   bool
	createdAt time.Time
}

func (r sessionFakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	if r.sess == nil {
		*dest[0].(*time.Time) = r.createdAt
		return nil
	}
	*dest[0].(*uuid.UUID) = r.sess.TenantID
	*dest[1].(*uuid.UUID) = r.sess.CorpusID
	*dest[2].(*time.Time) = r.sess.CreatedAt
	*dest[3].(*time.Time) = r.sess.UpdatedAt
	return nil
}

type fakeSessionRows struct {
	msgs []session.Message
	idx  int
}

func (r *fakeSessionRows) Next() bool {
	r.idx++
	return r.idx < len(r.msgs)
}

func (r *fakeSessionRows) Scan(dest ...any) error {
	m := r.msgs[r.idx]
	*dest[0].(*uuid.UUID) = m.ID
	*dest[1].(*string) = string(m.Role)
	*dest[2].(*string) = m.Content
	*dest[3].(*time.Time) = m.CreatedAt
	return nil
}

func (r *fakeSessionRows) Err() error { return nil }
func (r *fakeSessionRows) Close()     {}

type fakeChatStreamer struct {
	deltas   []string
	streamErr error
}

func (f *fakeChatStreamer) StreamChat(_ context.Context, _ llm.ChatRequest) (<-chan llm.Event, <-chan error) {
	events := make(chan llm.Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		for _, d := range f.deltas {
			events <- llm.Event{Kind: llm.EventTokenDelta, Delta: d}
		}
		if f.streamErr != nil {
			errs <- f.streamErr
		}
	}()
	return events, errs
}

type fakeRetriever struct {
	chunks []retrieval.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(context.Context, string, int, uuid.UUID, uuid.UUID) ([]retrieval.Chunk, error) {
	return f.chunks, f.err
}

type fakeSynthesizer struct {
	result tts.Result
	err    error
}

func (f *fakeSynthesizer) Synthesize(context.Context, string, string) (tts.Result, error) {
	return f.result, f.err
}

type fakeAuditor struct {
	events []AuditEvent
}

func (f *fakeAuditor) Record(_ context.Context, ev AuditEvent) {
	f.events = append(f.events, ev)
}

type sseFrame struct {
	event   string
	payload map[string]any
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if block == "" {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				frame.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.payload); err != nil {
					t.Fatalf("decoding SSE data line %q: %v", line, err)
				}
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

func newTestHandler(t *testing.T, chat ChatStreamer, audio Synthesizer, auditor *fakeAuditor) (*Handler, *corpus.Store, *session.Store) {
	t.Helper()
	corpusDB := newFakeCorpusDB()
	corpusStore := corpus.NewStore(corpusDB)
	sessionDB := newFakeSessionDB()
	sessionStore := session.NewStore(sessionDB)

	h := &Handler{
		Sessions:          sessionStore,
		Corpora:           corpusStore,
		Chat:              chat,
		Audio:             audio,
		Bulkhead:          bulkhead.New(4),
		Audit:             auditor,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		HistoryMaxTurns:   20,
		Model:             "test-model",
		MaxTokens:         256,
		Temperature:       0.2,
		SystemInstructions: "Be concise.",
	}
	h.retrievers = map[uuid.UUID]Retriever{}
	return h, corpusStore, sessionStore
}

func TestHandler_ServeHTTP_EmitsEventsInOrderAndPersistsTurn(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	auditor := &fakeAuditor{}
	chat := &fakeChatStreamer{deltas: []string{"hel", "lo"}}
	retriever := &fakeRetriever{chunks: []retrieval.Chunk{{ChunkID: uuid.New(), Text: "ctx", Score: 0.9}}}

	h, corpusStore, sessionStore := newTestHandler(t, chat, &fakeSynthesizer{}, auditor)
	corp, err := corpusStore.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{})
	if err != nil {
		t.Fatalf("corpus Create() error = %v", err)
	}
	h.retrievers[corp.ID] = retriever

	sessionID := uuid.New()
	body, _ := json.Marshal(map[string]any{
		"session_id": sessionID.String(),
		"corpus_id":  corp.ID.String(),
		"message":    "hi there",
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(body))
	req = req.WithContext(auth.NewContext(ctx, &auth.Identity{TenantID: tenantID, Role: auth.RoleEditor, SubjectID: "apikey:test", Method: auth.MethodAPIKey}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	frames := parseSSE(t, rec.Body.String())
	var names []string
	for _, f := range frames {
		names = append(names, f.event)
	}
	want := []string{"request.accepted", "token.delta", "token.delta", "message.final", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", names, want)
	}

	for i, f := range frames {
		seq, ok := f.payload["seq"].(float64)
		if !ok || int(seq) != i+1 {
			t.Errorf("frame %d (%s) seq = %v, want %d", i, f.event, f.payload["seq"], i+1)
		}
		if f.payload["request_id"] == nil {
			t.Errorf("frame %d (%s) missing request_id", i, f.event)
		}
	}

	final := frames[3].payload["message"]
	if final != "hello" {
		t.Fatalf("message.final payload = %v, want %q", final, "hello")
	}

	msgs, err := sessionStore.RecentMessages(ctx, tenantID, sessionID, 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi there" || msgs[1].Content != "hello" {
		t.Fatalf("persisted messages = %+v, want [hi there, hello]", msgs)
	}

	if len(auditor.events) != 1 || auditor.events[0].Outcome != "success" {
		t.Fatalf("audit events = %+v, want one success event", auditor.events)
	}
}

func TestHandler_ServeHTTP_TenantMismatchReturns409(t *testing.T) {
	ctx := context.Background()
	ownerTenant := uuid.New()
	otherTenant := uuid.New()

	h, corpusStore, sessionStore := newTestHandler(t, &fakeChatStreamer{}, &fakeSynthesizer{}, &fakeAuditor{})
	corp, err := corpusStore.Create(ctx, otherTenant, "docs", retrieval.ProviderConfig{})
	if err != nil {
		t.Fatalf("corpus Create() error = %v", err)
	}
	h.retrievers[corp.ID] = &fakeRetriever{}

	sessionID := uuid.New()
	if _, err := sessionStore.Upsert(ctx, ownerTenant, sessionID, corp.ID); err != nil {
		t.Fatalf("seeding session error = %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"session_id": sessionID.String(),
		"corpus_id":  corp.ID.String(),
		"message":    "hi",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(body))
	req = req.WithContext(auth.NewContext(ctx, &auth.Identity{TenantID: otherTenant, Role: auth.RoleEditor}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409; body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ServeHTTP_RetrievalFailureStillCompletesTurn(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	h, corpusStore, _ := newTestHandler(t, &fakeChatStreamer{deltas: []string{"ok"}}, &fakeSynthesizer{}, &fakeAuditor{})
	corp, err := corpusStore.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{})
	if err != nil {
		t.Fatalf("corpus Create() error = %v", err)
	}
	h.retrievers[corp.ID] = &fakeRetriever{err: errors.New("AWS_RETRIEVAL_ERROR: boom")}

	body, _ := json.Marshal(map[string]any{
		"session_id": uuid.New().String(),
		"corpus_id":  corp.ID.String(),
		"message":    "hi",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(body))
	req = req.WithContext(auth.NewContext(ctx, &auth.Identity{TenantID: tenantID, Role: auth.RoleEditor}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	frames := parseSSE(t, rec.Body.String())
	var names []string
	for _, f := range frames {
		names = append(names, f.event)
	}
	want := []string{"request.accepted", "error", "token.delta", "message.final", "done"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("event order = %v, want %v", names, want)
	}
	if frames[1].payload["error_code"] != "AWS_RETRIEVAL_ERROR" {
		t.Fatalf("error_code = %v, want AWS_RETRIEVAL_ERROR", frames[1].payload["error_code"])
	}
}

func TestHandler_ServeHTTP_LastEventIDRespondsResumeUnsupported(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newTestHandler(t, &fakeChatStreamer{}, &fakeSynthesizer{}, &fakeAuditor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Last-Event-ID", "42")
	req = req.WithContext(auth.NewContext(ctx, &auth.Identity{TenantID: uuid.New(), Role: auth.RoleEditor}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	frames := parseSSE(t, rec.Body.String())
	if len(frames) != 2 || frames[0].event != "resume.unsupported" || frames[1].event != "done" {
		t.Fatalf("frames = %+v, want [resume.unsupported, done]", frames)
	}
}

func TestHandler_ServeHTTP_BulkheadSaturatedReturns503(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	h, corpusStore, _ := newTestHandler(t, &fakeChatStreamer{}, &fakeSynthesizer{}, &fakeAuditor{})
	h.Bulkhead = bulkhead.New(1)
	release, err := h.Bulkhead.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	defer release()

	corp, err := corpusStore.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{})
	if err != nil {
		t.Fatalf("corpus Create() error = %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"session_id": uuid.New().String(),
		"corpus_id":  corp.ID.String(),
		"message":    "hi",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/run", bytes.NewReader(body))
	req = req.WithContext(auth.NewContext(ctx, &auth.Identity{TenantID: tenantID, Role: auth.RoleEditor}))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}
}

func TestErrorCode_ExtractsLeadingUppercaseToken(t *testing.T) {
	cases := map[string]string{
		"AWS_RETRIEVAL_ERROR: boom":      "AWS_RETRIEVAL_ERROR",
		"some lowercase error":           "INTERNAL_ERROR",
		"TTS_ERROR: speech synthesis failed: upstream down": "TTS_ERROR",
	}
	for msg, want := range cases {
		got := errorCode(errors.New(msg))
		if got != want {
			t.Errorf("errorCode(%q) = %q, want %q", msg, got, want)
		}
	}
}

func TestDebugRequested_ParsesQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/run?debug=1", nil)
	if !debugRequested(req) {
		t.Error("expected debug=1 to be truthy")
	}
	req2 := httptest.NewRequest(http.MethodPost, "/v1/run", nil)
	if debugRequested(req2) {
		t.Error("expected no debug param to be falsy")
	}
}
