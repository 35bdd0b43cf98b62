// Package corpus is the tenant-facing named document collection that
// drives retrieval provider selection: a corpus's provider_config tells
// internal/retrieval.Factory which adapter to build and how to configure
// it.
package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nexusrag/nexusrag/internal/retrieval"
)

// ErrNotFound is returned when no corpus matches.
var ErrNotFound = errors.New("corpus: not found")

// ErrNameTaken is returned by Create when tenant_id+name already exists.
var ErrNameTaken = errors.New("corpus: name already in use for this tenant")

// Corpus is one row of public.corpora.
type Corpus struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Name           string
	ProviderConfig retrieval.ProviderConfig
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DBTX is the narrow subset of a pgx connection/pool the store needs.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

// Rows is the narrow slice of pgx.Rows List drives.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// QueryDB is the subset of *pgxpool.Pool List needs on top of DBTX.
type QueryDB interface {
	DBTX
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Store is the Postgres-backed public.corpora store.
type Store struct {
	db QueryDB
}

func NewStore(db QueryDB) *Store {
	return &Store{db: db}
}

// Create inserts a corpus. An empty config normalizes to local_pgvector
// with top_k_default=5, same as Patch.
func (s *Store) Create(ctx context.Context, tenantID uuid.UUID, name string, config retrieval.ProviderConfig) (*Corpus, error) {
	config = config.Normalize()
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	now := time.Now()
	_, err = s.db.Exec(ctx,
		`INSERT INTO public.corpora (id, tenant_id, name, provider_config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)`,
		id, tenantID, name, raw, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	return &Corpus{ID: id, TenantID: tenantID, Name: name, ProviderConfig: config, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns a corpus by id, scoped to tenantID.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Corpus, error) {
	var c Corpus
	c.ID = id
	c.TenantID = tenantID
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT name, provider_config, created_at, updated_at
		 FROM public.corpora WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&c.Name, &raw, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &c.ProviderConfig); err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every corpus owned by tenantID, ordered by name.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]Corpus, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, provider_config, created_at, updated_at
		 FROM public.corpora WHERE tenant_id = $1 ORDER BY name ASC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Corpus
	for rows.Next() {
		var c Corpus
		var raw []byte
		c.TenantID = tenantID
		if err := rows.Scan(&c.ID, &c.Name, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &c.ProviderConfig); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PatchProviderConfig replaces a corpus's retrieval provider configuration.
// Callers are responsible for entitlement checks (feature.retrieval.*)
// before calling this — the store itself has no notion of plan features.
func (s *Store) PatchProviderConfig(ctx context.Context, tenantID, id uuid.UUID, config retrieval.ProviderConfig) (*Corpus, error) {
	config = config.Normalize()
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE public.corpora SET provider_config = $1, updated_at = now() WHERE tenant_id = $2 AND id = $3`,
		raw, tenantID, id,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, tenantID, id)
}

// Delete removes a corpus.
func (s *Store) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM public.corpora WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
