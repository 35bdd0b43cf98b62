// Package audit is the append-only event trail: an async, buffered Writer
// batches entries into public.audit_log, and metadata keys that look like
// secrets are redacted before the row is ever queued. The buffered-channel
// writer shape persists entries to a single tenant_id-scoped table rather
// than a per-tenant schema, matching the rest of this codebase's tenancy
// model.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusrag/nexusrag/internal/alerting"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
)

// ActorType distinguishes how the actor who triggered an event authenticated.
type ActorType string

const (
	ActorAPIKey ActorType = "api_key"
	ActorOIDC   ActorType = "oidc"
	ActorDev    ActorType = "dev"
	ActorSystem ActorType = "system"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is a single audit log entry to be written.
type Entry struct {
	ID           uuid.UUID
	OccurredAt   time.Time
	TenantID     *uuid.UUID
	ActorType    ActorType
	ActorID      string
	ActorRole    string
	EventType    string
	Outcome      Outcome
	ResourceType string
	ResourceID   string
	RequestID    *uuid.UUID
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	ErrorCode    string
}

// alertableEventTypes are events an operator should see in Slack as they
// happen, rather than only discover on a later audit query — the shared
// ground between this package and internal/failover's alerting wiring.
var alertableEventTypes = map[string]string{
	"killswitch.engaged":    "critical",
	"killswitch.released":   "warning",
	"write_freeze.enabled":  "critical",
	"write_freeze.disabled": "warning",
	"canary.changed":        "warning",
}

// redactKeys matches metadata keys whose values must never reach the audit
// table in the clear.
var redactKeys = regexp.MustCompile(`(?i)^(api_key|authorization|token|secret|password|text|content)$`)

const redactedPlaceholder = "[REDACTED]"

// redactMetadata returns a copy of metadata with any key matching
// redactKeys replaced by a placeholder, so accidental inclusion of request
// bodies or credentials in an audited detail blob never persists them.
func redactMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return metadata
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if redactKeys.MatchString(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = v
	}
	return out
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async, buffered audit log writer: entries are sent to an
// internal channel and flushed by a background goroutine in batches.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	alerts  *alerting.Notifier
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an audit Writer. Call Start to begin processing
// entries. alerts may be nil to disable Slack notification of alertable
// events.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger, alerts *alerting.Notifier) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		alerts:  alerts,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background goroutine that flushes audit entries to the
// database and returns immediately. The goroutine exits when the context is
// cancelled or Close is called, after flushing pending entries.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	entry.Metadata = redactMetadata(entry.Metadata)

	if severity, ok := alertableEventTypes[entry.EventType]; ok && w.alerts != nil {
		w.alerts.PostAlert(context.Background(), severity, fmt.Sprintf("%s (%s) — actor=%s", entry.EventType, entry.Outcome, entry.ActorID))
	}

	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "event_type", entry.EventType, "resource_type", entry.ResourceType)
	}
}

// LogFromRequest is a convenience method that extracts identity, request
// id, IP, and user agent from the request context, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, eventType, resourceType, resourceID string, outcome Outcome, metadata map[string]any) {
	entry := Entry{
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		Metadata:     metadata,
		IPAddress:    clientIP(r),
		UserAgent:    r.Header.Get("User-Agent"),
	}

	if reqID, err := uuid.Parse(httpserver.RequestIDFromContext(r.Context())); err == nil {
		entry.RequestID = &reqID
	}

	if id := auth.FromContext(r.Context()); id != nil {
		tenantID := id.TenantID
		entry.TenantID = &tenantID
		entry.ActorRole = id.Role
		entry.ActorID = id.SubjectID
		switch id.Method {
		case auth.MethodAPIKey:
			entry.ActorType = ActorAPIKey
		case auth.MethodOIDC:
			entry.ActorType = ActorOIDC
		default:
			entry.ActorType = ActorDev
		}
	} else {
		entry.ActorType = ActorSystem
		entry.ActorID = "system"
	}

	w.Log(entry)
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to public.audit_log, one insert per
// entry over a single acquired connection.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err)
		return
	}
	defer conn.Release()

	const insert = `
		INSERT INTO public.audit_log
			(id, occurred_at, tenant_id, actor_type, actor_id, actor_role, event_type,
			 outcome, resource_type, resource_id, request_id, ip_address, user_agent, metadata, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	for _, e := range entries {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			w.logger.Error("marshaling audit metadata", "error", err, "event_type", e.EventType)
			metadata = []byte(`{}`)
		}
		if _, err := conn.Exec(ctx, insert,
			e.ID, e.OccurredAt, e.TenantID, e.ActorType, e.ActorID, nullIfEmpty(e.ActorRole), e.EventType,
			e.Outcome, nullIfEmpty(e.ResourceType), nullIfEmpty(e.ResourceID), e.RequestID,
			nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), metadata, nullIfEmpty(e.ErrorCode),
		); err != nil {
			w.logger.Error("writing audit log entry", "error", err, "event_type", e.EventType)
		}
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
