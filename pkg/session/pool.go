package session

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolDB adapts a *pgxpool.Pool to QueryDB — same pattern as
// pkg/corpus/pool.go's PoolDB and internal/retrieval/pgvector.go's PoolDB.
type PoolDB struct {
	Pool *pgxpool.Pool
}

func (p *PoolDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.Pool.QueryRow(ctx, sql, args...)
}

func (p *PoolDB) Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error) {
	return p.Pool.Exec(ctx, sql, args...)
}

func (p *PoolDB) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}
