package corpus

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolDB adapts a *pgxpool.Pool to QueryDB. pgx.Rows satisfies the
// narrower Rows interface structurally, so no wrapping is needed beyond
// the method signature — same pattern as internal/authz/policy.go's
// PoolPolicyDB and internal/retrieval/pgvector.go's PoolDB.
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

// uniqueViolationCode is Postgres's SQLSTATE for a unique-key conflict.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
