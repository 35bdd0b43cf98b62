package compliance

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
)

// Handler serves GET /v1/compliance/snapshots (spec §4.15), admin-only —
// a snapshot is an organization-wide artifact, not a tenant-scoped one.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/snapshots", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if id.Role != auth.RoleAdmin {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	snaps, err := h.store.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing compliance snapshots", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list snapshots")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"snapshots": snaps, "count": len(snaps)})
}
