package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nexusrag/nexusrag/internal/retrieval"
)

type fakeCorpusDB struct {
	rows map[uuid.UUID]*Corpus
}

func newFakeCorpusDB() *fakeCorpusDB {
	return &fakeCorpusDB{rows: map[uuid.UUID]*Corpus{}}
}

func (f *fakeCorpusDB) hasName(tenantID uuid.UUID, name string) bool {
	for _, c := range f.rows {
		if c.TenantID == tenantID && c.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeCorpusDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "SELECT name") {
		id := args[1].(uuid.UUID)
		c, ok := f.rows[id]
		if !ok {
			return corpusFakeRow{missing: true}
		}
		return corpusFakeRow{corpus: c}
	}
	return corpusFakeRow{missing: true}
}

func (f *fakeCorpusDB) Exec(_ context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	switch {
	case strings.Contains(sql, "INSERT INTO public.corpora"):
		id := args[0].(uuid.UUID)
		tenantID := args[1].(uuid.UUID)
		name := args[2].(string)
		raw := args[3].([]byte)
		if f.hasName(tenantID, name) {
			return pgx.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		var cfg retrieval.ProviderConfig
		_ = json.Unmarshal(raw, &cfg)
		f.rows[id] = &Corpus{ID: id, TenantID: tenantID, Name: name, ProviderConfig: cfg}
	case strings.Contains(sql, "UPDATE public.corpora SET provider_config"):
		raw := args[0].([]byte)
		tenantID := args[1].(uuid.UUID)
		id := args[2].(uuid.UUID)
		c, ok := f.rows[id]
		if !ok || c.TenantID != tenantID {
			return pgx.CommandTag{}, nil
		}
		var cfg retrieval.ProviderConfig
		_ = json.Unmarshal(raw, &cfg)
		c.ProviderConfig = cfg
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "DELETE FROM public.corpora"):
		tenantID := args[0].(uuid.UUID)
		id := args[1].(uuid.UUID)
		c, ok := f.rows[id]
		if !ok || c.TenantID != tenantID {
			return pgx.CommandTag{}, nil
		}
		delete(f.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgx.CommandTag{}, nil
}

func (f *fakeCorpusDB) Query(_ context.Context, sql string, args ...any) (Rows, error) {
	return nil, nil
}

type corpusFakeRow struct {
	corpus  *Corpus
	missing bool
}

func (r corpusFakeRow) Scan(dest ...any) error {
	if r.missing {
		return pgx.ErrNoRows
	}
	raw, _ := json.Marshal(r.corpus.ProviderConfig)
	*dest[0].(*string) = r.corpus.Name
	*dest[1].(*[]byte) = raw
	return nil
}

func TestStore_CreateNormalizesEmptyConfig(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	tenantID := uuid.New()

	c, err := s.Create(context.Background(), tenantID, "docs", retrieval.ProviderConfig{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.ProviderConfig.Kind != retrieval.ProviderLocalPgvector || c.ProviderConfig.TopKDefault != retrieval.DefaultTopK {
		t.Fatalf("ProviderConfig = %+v, want normalized local_pgvector/top_k=5", c.ProviderConfig)
	}
}

func TestStore_CreateRejectsDuplicateName(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := s.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := s.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{})
	if !errors.Is(err, ErrNameTaken) {
		t.Fatalf("second Create() error = %v, want ErrNameTaken", err)
	}
}

func TestStore_PatchProviderConfigReturnsErrNotFoundForMissingCorpus(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	_, err := s.PatchProviderConfig(context.Background(), uuid.New(), uuid.New(), retrieval.ProviderConfig{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("PatchProviderConfig() error = %v, want ErrNotFound", err)
	}
}

func TestStore_PatchProviderConfigUpdatesKind(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	ctx := context.Background()
	tenantID := uuid.New()
	c, _ := s.Create(ctx, tenantID, "docs", retrieval.ProviderConfig{})

	patched, err := s.PatchProviderConfig(ctx, tenantID, c.ID, retrieval.ProviderConfig{
		Kind: retrieval.ProviderGCPVertex,
		GCPVertex: &retrieval.GCPVertexConfig{Project: "p", Location: "us-central1", IndexID: "idx"},
	})
	if err != nil {
		t.Fatalf("PatchProviderConfig() error = %v", err)
	}
	if patched.ProviderConfig.Kind != retrieval.ProviderGCPVertex {
		t.Fatalf("Kind = %q, want gcp_vertex", patched.ProviderConfig.Kind)
	}
}

func TestStore_DeleteReturnsErrNotFoundForMissingCorpus(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	if err := s.Delete(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	db := newFakeCorpusDB()
	s := NewStore(db)
	if _, err := s.Get(context.Background(), uuid.New(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
