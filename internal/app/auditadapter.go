package app

import (
	"context"

	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/pkg/run"
)

// runAuditAdapter narrows an *audit.Writer down to pkg/run.AuditRecorder.
// It exists because pkg/run has no http.Request to build an Entry from the
// way audit.Writer.LogFromRequest does — the run engine already knows its
// own IP/user-agent/request-id from the SSE request that started the turn.
type runAuditAdapter struct {
	writer *audit.Writer
}

func newRunAuditAdapter(writer *audit.Writer) *runAuditAdapter {
	return &runAuditAdapter{writer: writer}
}

func (a *runAuditAdapter) Record(ctx context.Context, event run.AuditEvent) {
	if a.writer == nil {
		return
	}
	actorType := audit.ActorSystem
	if event.ActorID != "" {
		actorType = audit.ActorOIDC
	}
	tenantID := event.TenantID
	requestID := event.RequestID
	resourceID := event.ResourceID
	a.writer.Log(audit.Entry{
		TenantID:     &tenantID,
		ActorType:    actorType,
		ActorID:      event.ActorID,
		ActorRole:    event.ActorRole,
		EventType:    event.EventType,
		Outcome:      audit.Outcome(event.Outcome),
		ResourceType: event.ResourceType,
		ResourceID:   resourceID.String(),
		RequestID:    &requestID,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		ErrorCode:    event.ErrorCode,
		Metadata:     event.Metadata,
	})
}
