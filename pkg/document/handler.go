package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/audit"
	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/internal/authz"
	"github.com/nexusrag/nexusrag/internal/httpserver"
	"github.com/nexusrag/nexusrag/internal/queue"
	"github.com/nexusrag/nexusrag/pkg/corpus"
)

// Handler serves POST|GET|DELETE /documents, POST /documents/text, and
// POST /documents/{id}/reindex (spec §7): every ingestion entry point
// enqueues a job and returns 202 with {document_id, status, job_id,
// status_url} rather than blocking on the pipeline.
type Handler struct {
	documents *Store
	corpora   *corpus.Store
	queue     *queue.Queue
	acls      *authz.ACLStore
	audit     *audit.Writer
	logger    *slog.Logger
}

// NewHandler creates a document Handler.
func NewHandler(documents *Store, corpora *corpus.Store, q *queue.Queue, acls *authz.ACLStore, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{documents: documents, corpora: corpora, queue: q, acls: acls, audit: auditWriter, logger: logger}
}

// grantOwner records the creator as owner of a newly created document so
// authz.ACLStore.Lookup has a grant to find the first time anyone other
// than an admin/editor-by-role caller touches it. Failure here is logged,
// not fatal — the document already exists and role-based access still
// applies without the ACL row.
func (h *Handler) grantOwner(r *http.Request, identity *auth.Identity, documentID uuid.UUID) {
	if h.acls == nil || identity.SubjectID == "" {
		return
	}
	if err := h.acls.GrantOwnerToCreator(r.Context(), documentID, identity.SubjectID); err != nil {
		h.logger.Error("granting owner ACL", "error", err, "document_id", documentID)
	}
}

// Routes returns a chi.Router with document routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Post("/text", h.handleCreateText)
	r.Get("/{id}", h.handleGet)
	r.Delete("/{id}", h.handleDelete)
	r.Post("/{id}/reindex", h.handleReindex)
	return r
}

// acceptedResponse is the 202 envelope every ingestion entry point returns.
type acceptedResponse struct {
	DocumentID uuid.UUID `json:"document_id"`
	Status     Status    `json:"status"`
	JobID      uuid.UUID `json:"job_id"`
	StatusURL  string    `json:"status_url"`
}

func (h *Handler) accepted(w http.ResponseWriter, doc *Document, jobID uuid.UUID) {
	httpserver.Respond(w, http.StatusAccepted, acceptedResponse{
		DocumentID: doc.ID,
		Status:     doc.Status,
		JobID:      jobID,
		StatusURL:  "/v1/documents/" + doc.ID.String(),
	})
}

type createRequest struct {
	CorpusID    string `json:"corpus_id" validate:"required,uuid"`
	DocumentID  string `json:"document_id"`
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	Bytes       []byte `json:"bytes" validate:"required"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req createRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	contentType := ContentType(req.ContentType)
	if !validContentType(contentType) {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_content_type", "unsupported content type")
		return
	}

	corpusID, err := uuid.Parse(req.CorpusID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus_id")
		return
	}
	if _, err := h.corpora.Get(r.Context(), identity.TenantID, corpusID); err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "corpus not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve corpus")
		return
	}

	docID := uuid.New()
	if req.DocumentID != "" {
		if docID, err = uuid.Parse(req.DocumentID); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid document_id")
			return
		}
	}

	doc, err := h.documents.Create(r.Context(), identity.TenantID, corpusID, docID, req.Filename, contentType, SourceUpload)
	if err != nil {
		h.logger.Error("creating document", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create document")
		return
	}
	h.grantOwner(r, identity, doc.ID)

	job, err := h.enqueue(r, identity.TenantID, doc, corpusID, queue.KindIngest, req.Bytes, contentType)
	if err != nil {
		if errors.Is(err, queue.ErrDocumentHasActiveJob) {
			httpserver.RespondError(w, http.StatusConflict, "active_job", "document already has an active ingest job")
			return
		}
		h.logger.Error("enqueuing ingest", "error", err, "document_id", doc.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue ingest")
		return
	}

	h.accepted(w, doc, job.ID)
}

type createTextRequest struct {
	CorpusID   string `json:"corpus_id" validate:"required,uuid"`
	DocumentID string `json:"document_id"`
	Text       string `json:"text" validate:"required"`
}

func (h *Handler) handleCreateText(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req createTextRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	corpusID, err := uuid.Parse(req.CorpusID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus_id")
		return
	}
	if _, err := h.corpora.Get(r.Context(), identity.TenantID, corpusID); err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "corpus not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve corpus")
		return
	}

	docID := uuid.New()
	if req.DocumentID != "" {
		if docID, err = uuid.Parse(req.DocumentID); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid document_id")
			return
		}
	}

	// A repeat call with the same client-chosen document_id reuses the
	// existing document row rather than erroring — idempotent replay of
	// the exact same text is handled by internal/idempotency upstream
	// keying on the Idempotency-Key header; this just makes a retried
	// document_id safe even without that header.
	doc, err := h.documents.Get(r.Context(), identity.TenantID, docID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve document")
		return
	}
	if doc == nil {
		doc, err = h.documents.Create(r.Context(), identity.TenantID, corpusID, docID, "text", ContentTypeText, SourceText)
		if err != nil {
			h.logger.Error("creating text document", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create document")
			return
		}
		h.grantOwner(r, identity, doc.ID)
	}

	job, err := h.enqueue(r, identity.TenantID, doc, corpusID, queue.KindIngest, []byte(req.Text), ContentTypeText)
	if err != nil {
		if errors.Is(err, queue.ErrDocumentHasActiveJob) {
			httpserver.RespondError(w, http.StatusConflict, "active_job", "document already has an active ingest job")
			return
		}
		h.logger.Error("enqueuing ingest", "error", err, "document_id", doc.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue ingest")
		return
	}

	h.accepted(w, doc, job.ID)
}

func (h *Handler) handleReindex(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	docID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid document ID")
		return
	}

	doc, err := h.documents.Get(r.Context(), identity.TenantID, docID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to resolve document")
		return
	}

	job, err := h.queue.Enqueue(r.Context(), identity.TenantID, doc.ID, doc.CorpusID, queue.KindReindex, nil)
	if err != nil {
		if errors.Is(err, queue.ErrDocumentHasActiveJob) {
			httpserver.RespondError(w, http.StatusConflict, "active_job", "document already has an active ingest job")
			return
		}
		h.logger.Error("enqueuing reindex", "error", err, "document_id", doc.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue reindex")
		return
	}

	if err := h.documents.SetJob(r.Context(), identity.TenantID, doc.ID, job.ID); err != nil {
		h.logger.Error("recording reindex job", "error", err, "document_id", doc.ID)
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "document.reindex_requested", "document", doc.ID.String(), audit.OutcomeSuccess, nil)
	}

	h.accepted(w, doc, job.ID)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var corpusID *uuid.UUID
	if v := r.URL.Query().Get("corpus_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid corpus_id")
			return
		}
		corpusID = &id
	}

	items, err := h.documents.List(r.Context(), identity.TenantID, corpusID)
	if err != nil {
		h.logger.Error("listing documents", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list documents")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"documents": items, "count": len(items)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	docID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid document ID")
		return
	}

	doc, err := h.documents.Get(r.Context(), identity.TenantID, docID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get document")
		return
	}

	httpserver.Respond(w, http.StatusOK, doc)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	docID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid document ID")
		return
	}

	if err := h.documents.Delete(r.Context(), identity.TenantID, docID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "document not found")
		case errors.Is(err, ErrActiveJob):
			httpserver.RespondError(w, http.StatusConflict, "active_job", err.Error())
		default:
			h.logger.Error("deleting document", "error", err, "id", docID)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete document")
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "document.deleted", "document", docID.String(), audit.OutcomeSuccess, nil)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enqueue(r *http.Request, tenantID uuid.UUID, doc *Document, corpusID uuid.UUID, kind queue.Kind, raw []byte, contentType ContentType) (*queue.Job, error) {
	payload, err := json.Marshal(struct {
		Bytes       []byte      `json:"bytes,omitempty"`
		ContentType ContentType `json:"content_type"`
	}{Bytes: raw, ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("encoding ingest job payload: %w", err)
	}

	job, err := h.queue.Enqueue(r.Context(), tenantID, doc.ID, corpusID, kind, payload)
	if err != nil {
		return nil, err
	}

	if err := h.documents.SetJob(r.Context(), tenantID, doc.ID, job.ID); err != nil {
		h.logger.Error("recording ingest job", "error", err, "document_id", doc.ID)
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "document.ingest_enqueued", "document", doc.ID.String(), audit.OutcomeSuccess, map[string]any{"job_id": job.ID})
	}

	return job, nil
}

func validContentType(ct ContentType) bool {
	switch ct {
	case ContentTypeText, ContentTypeMarkdown, ContentTypeJSONText:
		return true
	default:
		return false
	}
}
