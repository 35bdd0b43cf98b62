// Package ingest is the document pipeline internal/ingestworker drives:
// sniff content type, normalize to text, chunk with overlap, embed each
// chunk deterministically, then write the chunks in one transaction and mark
// the document succeeded once that transaction commits; any error marks the
// document failed with the error as its reason.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusrag/nexusrag/internal/embedding"
	"github.com/nexusrag/nexusrag/internal/queue"
	"github.com/nexusrag/nexusrag/pkg/document"
)

// ErrUnsupportedContentType is returned when a document's declared
// content type isn't one ingestion accepts.
var ErrUnsupportedContentType = errors.New("INVALID_CONTENT_TYPE: unsupported content type")

// jobPayload is the shape queue.Job.Payload carries for ingest/reindex jobs.
type jobPayload struct {
	Bytes       []byte               `json:"bytes,omitempty"`
	ContentType document.ContentType `json:"content_type"`
}

// Pipeline implements ingestworker.Pipeline: chunk, embed, and write a
// document's corpus_chunks rows, updating its status as it goes.
type Pipeline struct {
	pool      *pgxpool.Pool
	documents *document.Store
	embedder  embedding.Embedder
	chunkSize int
	overlap   int
}

func NewPipeline(pool *pgxpool.Pool, documents *document.Store, embedder embedding.Embedder, chunkSize, overlap int) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return &Pipeline{pool: pool, documents: documents, embedder: embedder, chunkSize: chunkSize, overlap: overlap}
}

// Process satisfies ingestworker.Pipeline. job.DocumentID identifies the
// document; job.CorpusID its corpus; job.Payload carries the raw bytes for
// ingest jobs. Reindex jobs carry no payload — they re-chunk and re-embed
// the normalized text persisted by the ingest run that created the
// document.
func (p *Pipeline) Process(ctx context.Context, job *queue.Job) (err error) {
	tenantID := job.TenantID
	defer func() {
		if err != nil {
			if markErr := p.documents.MarkFailed(ctx, tenantID, job.DocumentID, err.Error()); markErr != nil {
				err = fmt.Errorf("%w (marking document failed: %v)", err, markErr)
			}
		}
	}()

	if err := p.documents.MarkProcessing(ctx, tenantID, job.DocumentID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	var payload jobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode job payload: %w", err)
		}
	}

	var text string
	if job.Kind == queue.KindReindex {
		existing, err := p.documents.ReadSourceText(ctx, tenantID, job.DocumentID)
		if err != nil {
			return fmt.Errorf("read source text for reindex: %w", err)
		}
		text = existing
	} else {
		normalized, err := normalize(payload.Bytes, payload.ContentType)
		if err != nil {
			return err
		}
		text = normalized
		if err := p.documents.SetSourceText(ctx, tenantID, job.DocumentID, text); err != nil {
			return fmt.Errorf("persist source text: %w", err)
		}
	}

	chunks := chunkText(text, p.chunkSize, p.overlap)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM public.corpus_chunks WHERE tenant_id = $1 AND document_uri = $2`,
		tenantID, job.DocumentID.String()); err != nil {
		return fmt.Errorf("clear existing chunks: %w", err)
	}

	dim := p.embedder.Dimension()
	for i, chunk := range chunks {
		vec := p.embedder.Embed(chunk)
		if err := embedding.ValidateDimension(vec, dim); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		metadata, err := json.Marshal(map[string]any{"chunk_index": i})
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO public.corpus_chunks (id, corpus_id, tenant_id, document_uri, chunk_index, text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), job.CorpusID, tenantID, job.DocumentID.String(), i, chunk, embedding.VectorLiteral(vec), metadata,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}

	return p.documents.MarkSucceeded(ctx, tenantID, job.DocumentID, job.Kind == queue.KindReindex)
}

// normalize decodes the raw bytes into plain text, refusing content the
// sniffed type doesn't match one of the accepted content types.
func normalize(raw []byte, declared document.ContentType) (string, error) {
	mt := mimetype.Detect(raw)
	if !sniffMatches(mt, declared) {
		return "", ErrUnsupportedContentType
	}
	return string(raw), nil
}

// sniffMatches walks the sniffed MIME's ancestry (mimetype.Detect returns
// the most specific match first, e.g. application/json -> text/plain) and
// accepts any ancestor that is text/plain, text/markdown, or
// application/json — markdown and JSON-as-text both sniff as plain text on
// most real inputs, so either is accepted regardless of which text content
// type was declared.
func sniffMatches(mt *mimetype.MIME, declared document.ContentType) bool {
	switch declared {
	case document.ContentTypeText, document.ContentTypeMarkdown, document.ContentTypeJSONText:
	default:
		return false
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") || m.Is("text/markdown") || m.Is("application/json") {
			return true
		}
	}
	return false
}

// chunkText splits text into overlapping windows of size chunkSize runes,
// advancing by chunkSize-overlap each step.
func chunkText(text string, chunkSize, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	stride := chunkSize - overlap
	if stride <= 0 {
		stride = chunkSize
	}
	var chunks []string
	for start := 0; start < len(runes); start += stride {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
