package failover

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
)

// Handler serves the failover control-plane endpoints of spec §4.14:
// status, promote/demote, and a websocket stream of live transitions.
type Handler struct {
	controller *Controller
	hub        *Hub
	audit      *audit.Writer
	logger     *slog.Logger
	homeRegion string
}

func NewHandler(controller *Controller, hub *Hub, auditWriter *audit.Writer, logger *slog.Logger, homeRegion string) *Handler {
	return &Handler{controller: controller, hub: hub, audit: auditWriter, logger: logger, homeRegion: homeRegion}
}

// Routes returns a chi.Router with failover routes mounted. Every route
// here is ops-only: callers must hold the admin role.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/promote", h.handlePromote)
	r.Post("/demote", h.handleDemote)
	r.Get("/stream", func(w http.ResponseWriter, req *http.Request) {
		if !h.requireAdmin(w, req) {
			return
		}
		h.hub.ServeWS(w, req)
	})
	return r
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return false
	}
	if id.Role != auth.RoleAdmin {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin role required")
		return false
	}
	return true
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	state, err := h.controller.Current(r.Context(), h.homeRegion)
	if err != nil {
		h.logger.Error("getting failover status", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get failover status")
		return
	}
	httpserver.Respond(w, http.StatusOK, state)
}

type transitionRequest struct {
	Region string `json:"region" validate:"required"`
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req transitionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	state, err := h.controller.Promote(r.Context(), req.Region, req.Reason)
	if err != nil {
		h.logger.Error("promoting region", "region", req.Region, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to promote region")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "failover.promoted", "region", req.Region, audit.OutcomeSuccess, map[string]any{"reason": req.Reason})
	}

	httpserver.Respond(w, http.StatusOK, state)
}

func (h *Handler) handleDemote(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req transitionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	state, err := h.controller.Demote(r.Context(), req.Region, req.Reason)
	if err != nil {
		h.logger.Error("demoting region", "region", req.Region, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to demote region")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "failover.demoted", "region", req.Region, audit.OutcomeSuccess, map[string]any{"reason": req.Reason})
	}

	httpserver.Respond(w, http.StatusOK, state)
}
