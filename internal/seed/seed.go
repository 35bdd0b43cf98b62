// Package seed provisions a demo tenant and its first API key so a freshly
// migrated NexusRAG deployment has something to call /v1/run against.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusrag/nexusrag/internal/auth"
	"github.com/nexusrag/nexusrag/pkg/apikey"
)

// Result is what a demo seeding run produced, returned so the caller can
// print the raw API key once — it is never recoverable after this call.
type Result struct {
	TenantID uuid.UUID
	Slug     string
	RawKey   string
}

// Demo inserts a tenant named name (idempotent on slug) and mints it an
// admin-role API key.
func Demo(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, name, slug string) (Result, error) {
	var tenantID uuid.UUID
	err := pool.QueryRow(ctx, `
		INSERT INTO public.tenants (name, slug)
		VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name, slug).Scan(&tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("seeding tenant %q: %w", slug, err)
	}

	svc := apikey.NewService(pool, logger)
	resp, err := svc.Create(ctx, tenantID, apikey.CreateRequest{
		Description: "seed: demo admin key",
		Role:        auth.RoleAdmin,
	})
	if err != nil {
		return Result{}, fmt.Errorf("minting demo api key: %w", err)
	}

	logger.Info("seeded demo tenant", "tenant_id", tenantID, "slug", slug)

	return Result{TenantID: tenantID, Slug: slug, RawKey: resp.RawKey}, nil
}
