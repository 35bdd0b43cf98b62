package run

import (
	"context"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
)

// AuditEvent is the subset of the audit event taxonomy (spec §4.11) the
// run engine can supply. Message/assistant text is deliberately omitted —
// only counts — so a /run audit entry never carries user content that
// redaction would otherwise have to strip.
type AuditEvent struct {
	TenantID     uuid.UUID
	ActorID      string
	ActorRole    string
	EventType    string
	Outcome      string
	ResourceType string
	ResourceID   uuid.UUID
	RequestID    uuid.UUID
	IPAddress    string
	UserAgent    string
	ErrorCode    string
	Metadata     map[string]any
}

// AuditRecorder is the narrow surface the run engine needs from the audit
// writer. internal/app's runAuditAdapter implements it on top of
// *audit.Writer.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent)
}

// auditRun accumulates the fields of one /run turn's audit event as the
// turn progresses, so a single event is emitted once at the end covering
// every stage that ran.
type auditRun struct {
	TenantID        uuid.UUID
	RequestID       uuid.UUID
	SessionID       uuid.UUID
	CorpusID        uuid.UUID
	Actor           *auth.Identity
	IPAddress       string
	UserAgent       string
	MessageLength   int
	RetrievalChunks int
	RetrievalFailed bool
	AudioRequested  bool
	AudioFailed     bool
	Outcome         string
	ErrorCode       string
}

func (a *auditRun) toEvent() AuditEvent {
	actorID, actorRole := "", ""
	if a.Actor != nil {
		actorID = a.Actor.SubjectID
		actorRole = a.Actor.Role
	}
	return AuditEvent{
		TenantID:     a.TenantID,
		ActorID:      actorID,
		ActorRole:    actorRole,
		EventType:    "data.run.completed",
		Outcome:      a.Outcome,
		ResourceType: "session",
		ResourceID:   a.SessionID,
		RequestID:    a.RequestID,
		IPAddress:    a.IPAddress,
		UserAgent:    a.UserAgent,
		ErrorCode:    a.ErrorCode,
		Metadata: map[string]any{
			"corpus_id":        a.CorpusID,
			"message_length":   a.MessageLength,
			"retrieval_chunks": a.RetrievalChunks,
			"retrieval_failed": a.RetrievalFailed,
			"audio_requested":  a.AudioRequested,
			"audio_failed":     a.AudioFailed,
		},
	}
}
