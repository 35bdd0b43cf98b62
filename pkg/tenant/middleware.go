package tenant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver identifies the tenant for the current request.
type Resolver interface {
	Resolve(r *http.Request) (slug string, err error)
}

// Lookup retrieves tenant metadata by slug.
type Lookup interface {
	LookupBySlug(ctx context.Context, slug string) (id uuid.UUID, name string, err error)
}

// DefaultLookup provides a raw-SQL Lookup using a pgxpool.Pool.
type DefaultLookup struct {
	Pool *pgxpool.Pool
}

func (d *DefaultLookup) LookupBySlug(ctx context.Context, slug string) (uuid.UUID, string, error) {
	var tenantID uuid.UUID
	var tenantName string
	err := d.Pool.QueryRow(ctx,
		"SELECT id, name FROM public.tenants WHERE slug = $1",
		slug,
	).Scan(&tenantID, &tenantName)
	if err != nil {
		return uuid.Nil, "", err
	}
	return tenantID, tenantName, nil
}

// HeaderResolver resolves the tenant from the X-Tenant-Slug header.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	slug := r.Header.Get("X-Tenant-Slug")
	if slug == "" {
		return "", errMissingTenantHeader
	}
	return slug, nil
}

var errMissingTenantHeader = &resolveError{"missing X-Tenant-Slug header"}

type resolveError struct{ msg string }

func (e *resolveError) Error() string { return e.msg }

// Middleware resolves the tenant, acquires a dedicated database connection,
// sets the PostgreSQL search_path to the tenant's schema, and stores both the
// tenant info and the scoped connection in the request context. The
// connection is released after the downstream handler returns.
//
// The API server does not mount it: internal/auth.Middleware establishes the
// tenant for every authenticated route from the API key, the bearer JWT, or
// the X-Tenant-Id dev-bypass header.
func Middleware(pool *pgxpool.Pool, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareWithLookup(pool, &DefaultLookup{Pool: pool}, resolver, logger)
}

// MiddlewareWithLookup is like Middleware but accepts a custom Lookup.
func MiddlewareWithLookup(pool *pgxpool.Pool, lookup Lookup, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			slug, err := resolver.Resolve(r)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "tenant resolution failed")
				return
			}

			tenantID, tenantName, err := lookup.LookupBySlug(r.Context(), slug)
			if err != nil {
				logger.Warn("tenant not found", "slug", slug, "error", err)
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown tenant")
				return
			}

			schema := SchemaName(slug)

			conn, err := pool.Acquire(r.Context())
			if err != nil {
				logger.Error("acquiring database connection", "error", err)
				respondError(w, http.StatusServiceUnavailable, "SERVICE_BUSY", "database connection unavailable")
				return
			}
			defer conn.Release()

			searchPath := schema + ", public"
			if _, err := conn.Exec(r.Context(), "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
				logger.Error("setting search_path", "schema", schema, "error", err)
				respondError(w, http.StatusInternalServerError, "INTERNAL", "database configuration error")
				return
			}

			info := &Info{
				ID:     tenantID,
				Name:   tenantName,
				Slug:   slug,
				Schema: schema,
			}

			ctx := NewContext(r.Context(), info)
			ctx = NewConnContext(ctx, conn)

			logger.Debug("tenant resolved",
				"tenant_id", tenantID,
				"slug", slug,
				"schema", schema,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// respondError writes a minimal JSON error body without depending on the
// httpserver envelope package, keeping tenant resolution failures cheap to
// render even before the envelope middleware runs.
func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
