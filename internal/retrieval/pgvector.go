package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusrag/nexusrag/internal/embedding"
)

// Rows is the narrow slice of pgx.Rows that Retrieve drives. Declaring it
// locally keeps the provider testable with an in-memory fake that never
// has to implement pgx.Rows' full surface (Values, RawValues,
// FieldDescriptions, Conn...).
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// pgvectorDB is the subset of *pgxpool.Pool the provider needs.
type pgvectorDB interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// LocalPgvectorProvider retrieves chunks by cosine similarity over the
// embedding column, using pgvector's <=> distance operator. Cosine
// *distance* ascending is the same ordering as cosine *similarity*
// descending, so the SQL ORDER BY doubles as the required score-desc sort;
// chunk_id asc breaks ties.
type LocalPgvectorProvider struct {
	db       pgvectorDB
	embedder embedding.Embedder
}

func NewLocalPgvectorProvider(db pgvectorDB, embedder embedding.Embedder) *LocalPgvectorProvider {
	return &LocalPgvectorProvider{db: db, embedder: embedder}
}

// PoolDB adapts a *pgxpool.Pool to pgvectorDB. pgx.Rows satisfies the
// narrower Rows interface structurally, so no wrapping is needed beyond
// the method signature.
type PoolDB struct {
	Pool *pgxpool.Pool
}

func (p *PoolDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}

func (p *LocalPgvectorProvider) Name() string { return string(ProviderLocalPgvector) }

func (p *LocalPgvectorProvider) Retrieve(ctx context.Context, query string, topK int, tenantID, corpusID uuid.UUID) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	vec := p.embedder.Embed(query)

	rows, err := p.db.Query(ctx, `
		SELECT id, text, metadata, 1 - (embedding <=> $1) AS score
		FROM corpus_chunks
		WHERE tenant_id = $2 AND corpus_id = $3
		ORDER BY embedding <=> $1 ASC, id ASC
		LIMIT $4`,
		embedding.VectorLiteral(vec), tenantID, corpusID, topK)
	if err != nil {
		return nil, fmt.Errorf("local_pgvector retrieve: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			id       uuid.UUID
			text     string
			metaJSON []byte
			score    float64
		)
		if err := rows.Scan(&id, &text, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("local_pgvector scan: %w", err)
		}
		var meta map[string]any
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &meta); err != nil {
				return nil, fmt.Errorf("local_pgvector unmarshal metadata: %w", err)
			}
		}
		chunks = append(chunks, Chunk{ChunkID: id, Text: text, Score: score, Metadata: meta})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("local_pgvector rows: %w", err)
	}
	return chunks, nil
}
