// Package document is the tenant-facing document model ingestion drives:
// a document's status tracks it through queued -> processing ->
// succeeded|failed as internal/ingest's pipeline runs, and a document in
// queued or processing state refuses deletion.
package document

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ContentType is the sole set of content types ingestion accepts.
type ContentType string

const (
	ContentTypeText     ContentType = "text/plain"
	ContentTypeMarkdown ContentType = "text/markdown"
	ContentTypeJSONText ContentType = "application/json-text"
)

// Status is a document's ingestion lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Source distinguishes how a document's bytes arrived.
type Source string

const (
	SourceUpload Source = "upload"
	SourceText   Source = "text"
)

// ErrActiveJob is returned by Delete when the document is queued or
// processing.
var ErrActiveJob = errors.New("DOCUMENT_HAS_ACTIVE_JOB: document is queued or processing")

// ErrNotFound is returned when no document matches.
var ErrNotFound = errors.New("document: not found")

// Document is one row of public.documents.
type Document struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	CorpusID            uuid.UUID
	Filename            string
	ContentType         ContentType
	Status              Status
	FailureReason       *string
	LastJobID           *uuid.UUID
	IngestSource        Source
	SourceText          string
	QueuedAt            time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	LastReindexedAt     *time.Time
}

// DBTX is the narrow subset of a pgx connection/pool the store needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Store is the Postgres-backed public.documents store.
type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// Create inserts a new document in status=queued.
func (s *Store) Create(ctx context.Context, tenantID, corpusID uuid.UUID, id uuid.UUID, filename string, contentType ContentType, source Source) (*Document, error) {
	now := time.Now()
	_, err := s.db.Exec(ctx,
		`INSERT INTO public.documents (id, tenant_id, corpus_id, filename, content_type, status, ingest_source, queued_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)`,
		id, tenantID, corpusID, filename, contentType, source, now,
	)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID: id, TenantID: tenantID, CorpusID: corpusID, Filename: filename,
		ContentType: contentType, Status: StatusQueued, IngestSource: source, QueuedAt: now,
	}, nil
}

// Get returns a document by id, scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Document, error) {
	var d Document
	d.ID = id
	d.TenantID = tenantID
	err := s.db.QueryRow(ctx,
		`SELECT corpus_id, filename, content_type, status, failure_reason, last_job_id, ingest_source,
		        queued_at, processing_started_at, completed_at, last_reindexed_at
		 FROM public.documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&d.CorpusID, &d.Filename, &d.ContentType, &d.Status, &d.FailureReason, &d.LastJobID, &d.IngestSource,
		&d.QueuedAt, &d.ProcessingStartedAt, &d.CompletedAt, &d.LastReindexedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// List returns documents owned by tenantID, optionally filtered to one
// corpus, newest first.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, corpusID *uuid.UUID) ([]Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, corpus_id, filename, content_type, status, failure_reason, last_job_id, ingest_source,
		        queued_at, processing_started_at, completed_at, last_reindexed_at
		 FROM public.documents
		 WHERE tenant_id = $1 AND ($2::uuid IS NULL OR corpus_id = $2)
		 ORDER BY queued_at DESC`,
		tenantID, corpusID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		d.TenantID = tenantID
		if err := rows.Scan(&d.ID, &d.CorpusID, &d.Filename, &d.ContentType, &d.Status, &d.FailureReason,
			&d.LastJobID, &d.IngestSource, &d.QueuedAt, &d.ProcessingStartedAt, &d.CompletedAt, &d.LastReindexedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetSourceText persists the normalized text an ingest run produced, so a
// later reindex can re-chunk and re-embed without the original bytes being
// resubmitted.
func (s *Store) SetSourceText(ctx context.Context, tenantID, id uuid.UUID, text string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.documents SET source_text = $1 WHERE tenant_id = $2 AND id = $3`,
		text, tenantID, id,
	)
	return err
}

// ReadSourceText returns the normalized text previously persisted by
// SetSourceText, for reindex to re-chunk.
func (s *Store) ReadSourceText(ctx context.Context, tenantID, id uuid.UUID) (string, error) {
	var text *string
	err := s.db.QueryRow(ctx,
		`SELECT source_text FROM public.documents WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if text == nil {
		return "", nil
	}
	return *text, nil
}

// SetJob records jobID as the document's current job and (re)marks it
// queued — used both on initial enqueue and on reindex/overwrite re-queue.
func (s *Store) SetJob(ctx context.Context, tenantID, id, jobID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.documents SET status = 'queued', last_job_id = $1, queued_at = now(), failure_reason = NULL
		 WHERE tenant_id = $2 AND id = $3`,
		jobID, tenantID, id,
	)
	return err
}

// MarkProcessing transitions a document to processing.
func (s *Store) MarkProcessing(ctx context.Context, tenantID, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.documents SET status = 'processing', processing_started_at = now()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	return err
}

// MarkSucceeded transitions a document to succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, tenantID, id uuid.UUID, reindex bool) error {
	sql := `UPDATE public.documents SET status = 'succeeded', completed_at = now()`
	if reindex {
		sql += `, last_reindexed_at = now()`
	}
	sql += ` WHERE tenant_id = $1 AND id = $2`
	_, err := s.db.Exec(ctx, sql, tenantID, id)
	return err
}

// MarkFailed transitions a document to failed with reason.
func (s *Store) MarkFailed(ctx context.Context, tenantID, id uuid.UUID, reason string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE public.documents SET status = 'failed', failure_reason = $1, completed_at = now()
		 WHERE tenant_id = $2 AND id = $3`,
		reason, tenantID, id,
	)
	return err
}

// Delete removes a document, refusing if it is queued or processing.
func (s *Store) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	d, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if d.Status == StatusQueued || d.Status == StatusProcessing {
		return ErrActiveJob
	}
	_, err = s.db.Exec(ctx, `DELETE FROM public.documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return err
}
