package idempotency

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolAcquirer adapts *pgxpool.Pool to the Acquirer interface Store needs.
type PoolAcquirer struct {
	Pool *pgxpool.Pool
}

func (a PoolAcquirer) Acquire(ctx context.Context) (Conn, error) {
	conn, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
