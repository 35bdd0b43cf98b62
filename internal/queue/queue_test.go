package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeQueueDB is a tiny in-memory stand-in for public.ingest_jobs.
type fakeQueueDB struct {
	jobs []*Job
}

func newFakeQueueDB() *fakeQueueDB {
	return &fakeQueueDB{}
}

func (f *fakeQueueDB) hasActiveJob(documentID uuid.UUID) bool {
	for _, j := range f.jobs {
		if j.DocumentID == documentID && (j.Status == StatusQueued || j.Status == StatusProcessing) {
			return true
		}
	}
	return false
}

func (f *fakeQueueDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "UPDATE public.ingest_jobs") && strings.Contains(sql, "RETURNING"):
		for _, j := range f.jobs {
			if j.Status == StatusQueued {
				j.Status = StatusProcessing
				return queueFakeRow{job: j}
			}
		}
		return queueFakeRow{missing: true}
	case strings.Contains(sql, "count(*)"):
		n := 0
		for _, j := range f.jobs {
			if j.Status == StatusQueued {
				n++
			}
		}
		return queueFakeRow{count: n}
	}
	return queueFakeRow{missing: true}
}

func (f *fakeQueueDB) Exec(_ context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO public.ingest_jobs"):
		id := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		documentID := args[2].(uuid.UUID)
		corpusID := args[3].(uuid.UUID)
		kind := args[4].(Kind)
		payload := args[5].(json.RawMessage)
		if f.hasActiveJob(documentID) {
			return pgx.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		f.jobs = append(f.jobs, &Job{ID: id, TenantID: tenantID, DocumentID: documentID, CorpusID: corpusID, Kind: kind, Status: StatusQueued, Payload: payload})
	case strings.Contains(sql, "status = 'succeeded'"):
		id := args[0].(uuid.UUID)
		for _, j := range f.jobs {
			if j.ID == id {
				j.Status = StatusSucceeded
			}
		}
	case strings.Contains(sql, "status = 'failed'"):
		reason := args[0].(string)
		id := args[1].(uuid.UUID)
		for _, j := range f.jobs {
			if j.ID == id {
				j.Status = StatusFailed
				j.FailureReason = &reason
			}
		}
	}
	return pgx.CommandTag{}, nil
}

type queueFakeRow struct {
	job     *Job
	count   int
	missing bool
}

func (r queueFakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	if r.job == nil {
		*dest[0].(*int) = r.count
		return nil
	}
	*dest[0].(*uuid.UUID) = r.job.ID
	*dest[1].(*uuid.UUID) = r.job.TenantID
	*dest[2].(*uuid.UUID) = r.job.DocumentID
	*dest[3].(*uuid.UUID) = r.job.CorpusID
	*dest[4].(*Kind) = r.job.Kind
	*dest[5].(*json.RawMessage) = r.job.Payload
	return nil
}

func TestQueue_EnqueueThenClaimNext(t *testing.T) {
	q := NewQueue(newFakeQueueDB())
	ctx := context.Background()
	documentID := uuid.New()

	job, err := q.Enqueue(ctx, uuid.New(), documentID, uuid.New(), KindIngest, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("ClaimNext() = %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", claimed.Status)
	}
}

func TestQueue_EnqueueRejectsSecondActiveJobForSameDocument(t *testing.T) {
	q := NewQueue(newFakeQueueDB())
	ctx := context.Background()
	documentID := uuid.New()

	if _, err := q.Enqueue(ctx, uuid.New(), documentID, uuid.New(), KindIngest, nil); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	_, err := q.Enqueue(ctx, uuid.New(), documentID, uuid.New(), KindReindex, nil)
	if !errors.Is(err, ErrDocumentHasActiveJob) {
		t.Fatalf("second Enqueue() error = %v, want ErrDocumentHasActiveJob", err)
	}
}

func TestQueue_ClaimNextReturnsNilWhenEmpty(t *testing.T) {
	q := NewQueue(newFakeQueueDB())
	job, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if job != nil {
		t.Fatalf("ClaimNext() = %+v, want nil", job)
	}
}

func TestQueue_CompleteAndFail(t *testing.T) {
	db := newFakeQueueDB()
	q := NewQueue(db)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), KindIngest, nil)
	claimed, _ := q.ClaimNext(ctx)

	if err := q.Complete(ctx, claimed); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_ = job

	q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), KindIngest, nil)
	second, _ := q.ClaimNext(ctx)
	if err := q.Fail(ctx, second, "chunking failed"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	if got := db.jobs[0].Status; got != StatusSucceeded {
		t.Errorf("completed job Status = %q, want succeeded", got)
	}
	if got := db.jobs[1].Status; got != StatusFailed {
		t.Errorf("failed job Status = %q, want failed", got)
	}
}

func TestQueue_Depth(t *testing.T) {
	q := NewQueue(newFakeQueueDB())
	ctx := context.Background()
	q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), KindIngest, nil)
	q.Enqueue(ctx, uuid.New(), uuid.New(), uuid.New(), KindIngest, nil)

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 2 {
		t.Fatalf("Depth() = %d, want 2", depth)
	}
}
