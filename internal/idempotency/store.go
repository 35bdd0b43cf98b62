// Package idempotency implements the Idempotency-Key write cache (spec
// C8): first write wins, a repeat with a matching payload hash replays the
// stored response, and a mismatched hash is rejected as a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrConflict is returned when a key is reused with a different payload
// hash than the one that first claimed it.
var ErrConflict = errors.New("idempotency key conflict")

// TTL is how long a completed record remains valid for replay.
const TTL = 24 * time.Hour

// Status is the lifecycle of one idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is the persisted state for one (tenant_id, key) pair.
type Record struct {
	TenantID       string
	Key            string
	PayloadHash    string
	Status         Status
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// HashPayload returns the canonical hash stored alongside a record, used to
// detect a key reused with a different request body.
func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Row is the minimal pgx scan surface this package needs.
type Row interface {
	Scan(dest ...any) error
}

// Conn is a single Postgres connection capable of holding a session-level
// advisory lock across multiple statements, then releasing back to a pool.
type Conn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Release()
}

// Acquirer checks a Conn out of a connection pool. *pgxpool.Pool satisfies
// this via the PoolAcquirer adapter in pool.go.
type Acquirer interface {
	Acquire(ctx context.Context) (Conn, error)
}

// Store coordinates idempotency records guarded by a Postgres session-level
// advisory lock, so only one in-flight request per (tenant_id, key)
// computes the response — concurrent repeats block on the lock and then
// see the first writer's completed record, following the same Redis-hot-
// path-then-authoritative-store shape as the dedup check this is grounded
// on, but with Postgres as both the lock and the source of truth since the
// record itself must survive a restart mid-request.
type Store struct {
	pool Acquirer
}

func NewStore(pool Acquirer) *Store {
	return &Store{pool: pool}
}

// Lease represents a claimed (tenant_id, key) pair awaiting a response.
// The caller must call Complete to persist the outcome and release the
// lock, even on error — the advisory lock does not expire on its own.
type Lease struct {
	conn        Conn
	tenantID    string
	key         string
	payloadHash string
	released    bool
}

// Complete stores the response and releases the underlying connection and
// advisory lock. It must be called exactly once per Lease.
func (l *Lease) Complete(ctx context.Context, responseStatus int, responseBody []byte) error {
	if l.released {
		return nil
	}
	defer l.release(ctx)

	_, err := l.conn.Exec(ctx, `
		UPDATE public.idempotency_records
		SET status = $1, response_status = $2, response_body = $3
		WHERE tenant_id = $4 AND key = $5
	`, StatusCompleted, responseStatus, responseBody, l.tenantID, l.key)
	if err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}
	return nil
}

// Abandon releases the lock without marking the record complete, leaving
// it to expire via TTL; used when the caller fails before producing a
// response so a later retry isn't wedged behind a permanently-pending row.
func (l *Lease) Abandon(ctx context.Context) {
	if l.released {
		return
	}
	defer l.release(ctx)

	_, _ = l.conn.Exec(ctx, `DELETE FROM public.idempotency_records WHERE tenant_id = $1 AND key = $2 AND status = $3`,
		l.tenantID, l.key, StatusPending)
}

func (l *Lease) release(ctx context.Context) {
	l.released = true
	_, _ = l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(l.tenantID, l.key))
	l.conn.Release()
}

// Begin claims (tenantID, key) for a new request carrying payloadHash. It
// returns (nil, record, nil) when an existing completed record with a
// matching hash can be replayed directly, (nil, nil, ErrConflict) when the
// hash doesn't match, or (lease, nil, nil) when the caller is now the sole
// writer and must call lease.Complete once it has a response.
func (s *Store) Begin(ctx context.Context, tenantID, key, payloadHash string) (*Lease, *Record, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey(tenantID, key)); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	record, err := s.lookup(ctx, conn, tenantID, key)
	if err != nil {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(tenantID, key))
		conn.Release()
		return nil, nil, err
	}

	if record != nil && record.PayloadHash != payloadHash {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(tenantID, key))
		conn.Release()
		return nil, nil, ErrConflict
	}

	if record != nil && record.Status == StatusCompleted {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(tenantID, key))
		conn.Release()
		return nil, record, nil
	}

	// record == nil, or a pending record left behind by a holder that died
	// before completing: claim (or reclaim) the key under the lock we hold.
	now := time.Now()
	expires := now.Add(TTL)
	_, err = conn.Exec(ctx, `
		INSERT INTO public.idempotency_records (tenant_id, key, payload_hash, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, key) DO UPDATE
			SET payload_hash = EXCLUDED.payload_hash, status = EXCLUDED.status,
				created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, tenantID, key, payloadHash, StatusPending, now, expires)
	if err != nil {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(tenantID, key))
		conn.Release()
		return nil, nil, fmt.Errorf("claiming idempotency key: %w", err)
	}

	return &Lease{conn: conn, tenantID: tenantID, key: key, payloadHash: payloadHash}, nil, nil
}

func (s *Store) lookup(ctx context.Context, conn Conn, tenantID, key string) (*Record, error) {
	row := conn.QueryRow(ctx, `
		SELECT payload_hash, status, response_status, response_body, created_at, expires_at
		FROM public.idempotency_records
		WHERE tenant_id = $1 AND key = $2 AND expires_at > now()
	`, tenantID, key)

	var r Record
	var responseStatus *int
	var responseBody []byte
	if err := row.Scan(&r.PayloadHash, &r.Status, &responseStatus, &responseBody, &r.CreatedAt, &r.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up idempotency record: %w", err)
	}

	r.TenantID = tenantID
	r.Key = key
	if responseStatus != nil {
		r.ResponseStatus = *responseStatus
	}
	r.ResponseBody = responseBody
	return &r, nil
}

// lockKey derives a stable int64 advisory lock key from the scoping pair.
// fnv64a keeps this dependency-free and deterministic across processes,
// which is all pg_advisory_lock needs.
func lockKey(tenantID, key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
