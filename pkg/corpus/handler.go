package corpus

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/httpserver"
	"github.com/nexusrag/nexusrag/internal/retrieval"
)

// Handler serves GET|POST /corpora and GET|PATCH|DELETE /corpora/{id} (spec §7). PATCH validates the
// submitted provider config through the same retrieval.Factory.Build
// construction path /run uses, so a corpus can never be saved with a
// config that would fail at retrieval time.
type Handler struct {
	store   *Store
	factory *retrieval.Factory
	audit   *audit.Writer
	logger  *slog.Logger
}

// NewHandler creates a corpus Handler. factory is used only to validate a
// submitted provider config before it is persisted.
func NewHandler(store *Store, factory *retrieval.Factory, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{store: store, factory: factory, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router with corpus routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handlePatch)
	r.Delete("/{id}", h.handleDelete)
	return r
}

type createRequest struct {
	Name           string                   `json:"name" validate:"required"`
	ProviderConfig retrieval.ProviderConfig `json:"provider_config"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.factory.Build(req.ProviderConfig); err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_provider_config", err.Error())
		return
	}

	c, err := h.store.Create(r.Context(), id.TenantID, req.Name, req.ProviderConfig)
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			httpserver.RespondError(w, http.StatusConflict, "name_taken", err.Error())
			return
		}
		h.logger.Error("creating corpus", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create corpus")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "corpus.created", "corpus", c.ID.String(), audit.OutcomeSuccess, map[string]any{"name": c.Name})
	}

	httpserver.Respond(w, http.StatusCreated, c)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	items, err := h.store.List(r.Context(), id.TenantID)
	if err != nil {
		h.logger.Error("listing corpora", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list corpora")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"corpora": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	corpusID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus ID")
		return
	}

	c, err := h.store.Get(r.Context(), id.TenantID, corpusID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "corpus not found")
			return
		}
		h.logger.Error("getting corpus", "error", err, "id", corpusID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get corpus")
		return
	}

	httpserver.Respond(w, http.StatusOK, c)
}

// handlePatch replaces a corpus's provider config with the submitted one. Ops
// tooling tends to hand-author corpus configs as YAML, so a
// Content-Type: application/yaml body is accepted alongside JSON — both
// are normalized to JSON via sigs.k8s.io/yaml before validation, the same
// conversion Kubernetes manifests go through before admission.
func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	corpusID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus ID")
		return
	}

	body := http.MaxBytesReader(nil, r.Body, 1<<20)
	defer body.Close()
	raw, err := readAll(body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	if isYAML(r.Header.Get("Content-Type")) {
		raw, err = sigsyaml.YAMLToJSON(raw)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid YAML: "+err.Error())
			return
		}
	}

	var config retrieval.ProviderConfig
	if err := unmarshalStrict(raw, &config); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid provider config: "+err.Error())
		return
	}

	if _, err := h.factory.Build(config); err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_provider_config", err.Error())
		return
	}

	c, err := h.store.PatchProviderConfig(r.Context(), id.TenantID, corpusID, config)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "corpus not found")
			return
		}
		h.logger.Error("patching corpus", "error", err, "id", corpusID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to patch corpus")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "corpus.provider_config_changed", "corpus", c.ID.String(), audit.OutcomeSuccess, map[string]any{"kind": c.ProviderConfig.Kind})
	}

	httpserver.Respond(w, http.StatusOK, c)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	if id == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	corpusID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus ID")
		return
	}

	if err := h.store.Delete(r.Context(), id.TenantID, corpusID); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "corpus not found")
			return
		}
		h.logger.Error("deleting corpus", "error", err, "id", corpusID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete corpus")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "corpus.deleted", "corpus", corpusID.String(), audit.OutcomeSuccess, nil)
	}

	w.WriteHeader(http.StatusNoContent)
}

func isYAML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "yaml")
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

func unmarshalStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
