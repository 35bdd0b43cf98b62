package retrieval

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/embedding"
)

type fakeChunkRow struct {
	id    uuid.UUID
	text  string
	meta  []byte
	score float64
}

type fakePgvectorDB struct {
	rows []fakeChunkRow
}

func (f *fakePgvectorDB) Query(_ context.Context, sql string, _ ...any) (Rows, error) {
	if !strings.Contains(sql, "FROM corpus_chunks") {
		return &fakeRowIter{}, nil
	}
	return &fakeRowIter{rows: f.rows}, nil
}

type fakeRowIter struct {
	rows []fakeChunkRow
	pos  int
}

func (it *fakeRowIter) Next() bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

func (it *fakeRowIter) Scan(dest ...any) error {
	r := it.rows[it.pos-1]
	*dest[0].(*uuid.UUID) = r.id
	*dest[1].(*string) = r.text
	*dest[2].(*[]byte) = r.meta
	*dest[3].(*float64) = r.score
	return nil
}

func (it *fakeRowIter) Err() error { return nil }
func (it *fakeRowIter) Close()     {}

func TestLocalPgvectorProvider_RetrieveReturnsRows(t *testing.T) {
	meta, _ := json.Marshal(map[string]any{"source": "doc1"})
	id1, id2 := uuid.New(), uuid.New()
	db := &fakePgvectorDB{rows: []fakeChunkRow{
		{id: id1, text: "chunk one", meta: meta, score: 0.9},
		{id: id2, text: "chunk two", meta: nil, score: 0.5},
	}}
	p := NewLocalPgvectorProvider(db, embedding.NewDeterministicEmbedder(8))

	chunks, err := p.Retrieve(context.Background(), "query text", 5, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if chunks[0].ChunkID != id1 || chunks[0].Metadata["source"] != "doc1" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
}

func TestLocalPgvectorProvider_DefaultsTopK(t *testing.T) {
	db := &fakePgvectorDB{}
	p := NewLocalPgvectorProvider(db, embedding.NewDeterministicEmbedder(8))
	if _, err := p.Retrieve(context.Background(), "q", 0, uuid.New(), uuid.New()); err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
}
