package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx query methods the auth package needs, satisfied
// by both *pgxpool.Pool and a pooled *pgxpool.Conn.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
}

var _ DBTX = (*pgxpool.Pool)(nil)

// APIKeyAuthenticator validates API keys against public.api_keys.
type APIKeyAuthenticator struct {
	DB DBTX
}

// APIKeyResult holds the resolved identity data from an API key lookup.
type APIKeyResult struct {
	APIKeyID  uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
	Role      string
}

// ErrRevoked is returned when an API key has been revoked.
var ErrRevoked = errors.New("API key revoked")

// Authenticate hashes the raw key, looks it up in public.api_keys, and
// rejects revoked keys. Verification of the stored hash is constant-time.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey)

	var result APIKeyResult
	var storedHash string
	var revokedAt *time.Time
	err := a.DB.QueryRow(ctx,
		`SELECT id, tenant_id, key_prefix, role, key_hash, revoked_at
		 FROM public.api_keys WHERE key_hash = $1`,
		hash,
	).Scan(&result.APIKeyID, &result.TenantID, &result.KeyPrefix, &result.Role, &storedHash, &revokedAt)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if !ConstantTimeEqualHash(rawKey, storedHash) {
		return nil, fmt.Errorf("API key hash mismatch")
	}

	if revokedAt != nil {
		return nil, ErrRevoked
	}

	if !IsValidRole(result.Role) {
		result.Role = RoleReader
	}

	// Update last_used asynchronously — fire and forget, failure is not
	// caller-visible and must never block the request.
	go func() {
		_, _ = a.DB.Exec(context.Background(),
			`UPDATE public.api_keys SET last_used_at = now() WHERE id = $1`, result.APIKeyID)
	}()

	return &result, nil
}
