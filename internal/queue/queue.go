// Package queue is the durable Postgres-backed job queue ingestion runs
// on: enqueue, atomic claim (SELECT ... FOR UPDATE SKIP LOCKED), and
// terminal completion/failure, with an at-most-one-active-job-per-document
// invariant enforced by a partial unique index rather than application code.
package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind distinguishes the two ingestion operations that enqueue a job.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindReindex Kind = "reindex"
)

// Status is a job's lifecycle state: queued -> processing -> succeeded | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ErrDocumentHasActiveJob is returned by Enqueue when document_id already
// has a queued or running job — the at-most-one-active-job-per-document
// invariant, enforced by ingest_jobs_one_active_per_document_idx.
var ErrDocumentHasActiveJob = errors.New("queue: document already has an active ingest job")

// Job is one row of public.ingest_jobs.
type Job struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	DocumentID    uuid.UUID
	CorpusID      uuid.UUID
	Kind          Kind
	Status        Status
	Payload       json.RawMessage
	FailureReason *string
}

// DBTX is the narrow subset of a pgx connection/pool the queue needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Queue is the Postgres-backed ingest_jobs store.
type Queue struct {
	db DBTX
}

func NewQueue(db DBTX) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a new queued job for documentID. A caller must map
// ErrDocumentHasActiveJob to the 409 the ingestion endpoints return when a
// document is already queued|processing.
func (q *Queue) Enqueue(ctx context.Context, tenantID, documentID, corpusID uuid.UUID, kind Kind, payload json.RawMessage) (*Job, error) {
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	id := uuid.New()
	_, err := q.db.Exec(ctx,
		`INSERT INTO public.ingest_jobs (id, tenant_id, document_id, corpus_id, kind, status, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', $6, now())`,
		id, tenantID, documentID, corpusID, kind, payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDocumentHasActiveJob
		}
		return nil, err
	}
	return &Job{ID: id, TenantID: tenantID, DocumentID: documentID, CorpusID: corpusID, Kind: kind, Status: StatusQueued, Payload: payload}, nil
}

// ClaimNext atomically dequeues the oldest queued job across all tenants
// and marks it processing, using Postgres's SELECT ... FOR UPDATE SKIP
// LOCKED so multiple worker processes never claim the same job.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	var j Job
	err := q.db.QueryRow(ctx,
		`UPDATE public.ingest_jobs SET status = 'processing', started_at = now()
		 WHERE id = (
		   SELECT id FROM public.ingest_jobs
		   WHERE status = 'queued' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, tenant_id, document_id, corpus_id, kind, payload`,
	).Scan(&j.ID, &j.TenantID, &j.DocumentID, &j.CorpusID, &j.Kind, &j.Payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = StatusProcessing
	return &j, nil
}

// Complete marks job succeeded.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	_, err := q.db.Exec(ctx,
		`UPDATE public.ingest_jobs SET status = 'succeeded', completed_at = now() WHERE id = $1`,
		job.ID,
	)
	return err
}

// Fail marks job failed with reason.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) error {
	_, err := q.db.Exec(ctx,
		`UPDATE public.ingest_jobs SET status = 'failed', failure_reason = $1, completed_at = now() WHERE id = $2`,
		reason, job.ID,
	)
	return err
}

// Depth returns the count of queued jobs, exposed via ops as queue depth.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM public.ingest_jobs WHERE status = 'queued'`).Scan(&n)
	return n, err
}
