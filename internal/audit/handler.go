package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
)

// Handler serves the tenant-scoped audit log query surface (spec C9):
// admins can list their own tenant's audit trail, paginated and filterable
// by event type.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// listEntry is the wire shape of one audit_log row.
type listEntry struct {
	ID           uuid.UUID      `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role,omitempty"`
	EventType    string         `json:"event_type"`
	Outcome      string         `json:"outcome"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	RequestID    *uuid.UUID     `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	eventType := r.URL.Query().Get("event_type")

	rows, err := h.pool.Query(r.Context(), `
		SELECT id, occurred_at, actor_type, actor_id, actor_role, event_type, outcome,
		       resource_type, resource_id, request_id, ip_address, metadata, error_code
		FROM public.audit_log
		WHERE tenant_id = $1 AND ($2 = '' OR event_type = $2)
		ORDER BY occurred_at DESC
		LIMIT $3 OFFSET $4`,
		id.TenantID, eventType, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	entries := make([]listEntry, 0, params.PageSize)
	for rows.Next() {
		var e listEntry
		var actorRole, resourceType, resourceID, ipAddress, errorCode *string
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorType, &e.ActorID, &actorRole,
			&e.EventType, &e.Outcome, &resourceType, &resourceID, &e.RequestID, &ipAddress,
			&e.Metadata, &errorCode); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
			return
		}
		e.ActorRole = deref(actorRole)
		e.ResourceType = deref(resourceType)
		e.ResourceID = deref(resourceID)
		e.IPAddress = deref(ipAddress)
		e.ErrorCode = deref(errorCode)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		h.logger.Error("reading audit log rows", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	var total int
	if err := h.pool.QueryRow(r.Context(), `
		SELECT count(*) FROM public.audit_log WHERE tenant_id = $1 AND ($2 = '' OR event_type = $2)`,
		id.TenantID, eventType).Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(entries, params, total))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
