package governance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
)

// Handler serves the DSAR and legal-hold endpoints of spec §4.13.
type Handler struct {
	store  *Store
	audit  *audit.Writer
	logger *slog.Logger
}

func NewHandler(store *Store, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with governance routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/dsar", h.handleCreateDSAR)
	r.Get("/dsar", h.handleListDSAR)
	r.Post("/legal-holds", h.handlePlaceHold)
	r.Get("/legal-holds", h.handleListHolds)
	r.Delete("/legal-holds/{id}", h.handleReleaseHold)
	return r
}

type dsarRequest struct {
	SubjectRef string `json:"subject_ref" validate:"required"`
	Kind       string `json:"kind" validate:"required"`
}

func (h *Handler) handleCreateDSAR(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req dsarRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	kind := DSARKind(req.Kind)
	if kind != DSARExport && kind != DSARDelete {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "kind must be export or delete")
		return
	}

	dsar, err := h.store.CreateDSAR(r.Context(), id.TenantID, req.SubjectRef, kind)
	if err != nil {
		h.logger.Error("creating dsar request", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create request")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "governance.dsar_requested", "dsar_request", dsar.ID.String(), audit.OutcomeSuccess, map[string]any{"kind": kind})
	}

	httpserver.Respond(w, http.StatusCreated, dsar)
}

func (h *Handler) handleListDSAR(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	items, err := h.store.ListDSAR(r.Context(), id.TenantID)
	if err != nil {
		h.logger.Error("listing dsar requests", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list requests")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"requests": items, "count": len(items)})
}

type legalHoldRequest struct {
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id" validate:"required"`
	Reason       string `json:"reason" validate:"required"`
}

func (h *Handler) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if id.Role != auth.RoleAdmin {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	var req legalHoldRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	hold, err := h.store.PlaceLegalHold(r.Context(), id.TenantID, req.ResourceType, req.ResourceID, req.Reason)
	if err != nil {
		h.logger.Error("placing legal hold", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to place legal hold")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "governance.legal_hold_placed", req.ResourceType, req.ResourceID, audit.OutcomeSuccess, map[string]any{"reason": req.Reason})
	}

	httpserver.Respond(w, http.StatusCreated, hold)
}

func (h *Handler) handleListHolds(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	items, err := h.store.ActiveHolds(r.Context(), id.TenantID)
	if err != nil {
		h.logger.Error("listing legal holds", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list legal holds")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"holds": items, "count": len(items)})
}

func (h *Handler) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if id.Role != auth.RoleAdmin {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	holdID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid hold ID")
		return
	}

	if err := h.store.ReleaseLegalHold(r.Context(), id.TenantID, holdID); err != nil {
		h.logger.Error("releasing legal hold", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to release legal hold")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "governance.legal_hold_released", "legal_hold", holdID.String(), audit.OutcomeSuccess, nil)
	}

	w.WriteHeader(http.StatusNoContent)
}
