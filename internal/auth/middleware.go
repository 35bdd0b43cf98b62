package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware returns an HTTP middleware that authenticates the caller and
// stores the resulting Identity in the request context.
//
// Authentication precedence:
//  1. Authorization: Bearer <api-key>  → opaque API key hash lookup
//  2. Authorization: Bearer <jwt>      → OIDC bearer-JWT verification (SSO)
//  3. X-Tenant-Id (+ optional X-Role)  → development bypass, only when enabled
//
// If none succeed, the request is rejected with 401.
func Middleware(oidcAuth *OIDCAuthenticator, pool DBTX, devBypass bool, logger *slog.Logger) func(http.Handler) http.Handler {
	apikeyAuth := &APIKeyAuthenticator{DB: pool}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") || strings.HasPrefix(authHeader, "bearer ") {
				rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

				// 1. Try opaque API key first — it's the primary bearer scheme.
				result, err := apikeyAuth.Authenticate(r.Context(), rawToken)
				if err == nil {
					identity = &Identity{
						TenantID:  result.TenantID,
						Role:      result.Role,
						APIKeyID:  &result.APIKeyID,
						SubjectID: "apikey:" + result.KeyPrefix,
						Method:    MethodAPIKey,
					}
					logger.Debug("authenticated via API key",
						"key_prefix", result.KeyPrefix,
						"tenant_id", result.TenantID,
						"role", result.Role,
					)
				} else if oidcAuth != nil {
					// 2. Fall through to OIDC bearer JWT for human/SSO callers.
					claims, oerr := oidcAuth.Authenticate(r.Context(), authHeader)
					if oerr != nil {
						logger.Warn("bearer authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
						return
					}
					tenantID, _ := uuid.Parse(claims.TenantID)
					identity = &Identity{
						TenantID:  tenantID,
						Role:      claims.Role,
						SubjectID: claims.Subject,
						Email:     claims.Email,
						Method:    MethodOIDC,
					}
					logger.Debug("authenticated via OIDC",
						"sub", claims.Subject,
						"tenant_id", tenantID,
					)
				} else {
					respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
					return
				}
			}

			// 3. Development bypass — only honored when explicitly enabled.
			if identity == nil && devBypass {
				if tenantHeader := r.Header.Get("X-Tenant-Id"); tenantHeader != "" {
					tenantID, err := uuid.Parse(tenantHeader)
					if err != nil {
						respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid X-Tenant-Id")
						return
					}
					role := r.Header.Get("X-Role")
					if role == "" || !IsValidRole(role) {
						role = RoleAdmin
					}
					identity = &Identity{
						TenantID:  tenantID,
						Role:      role,
						SubjectID: "dev:anonymous",
						Method:    MethodDev,
					}
					logger.Debug("dev-bypass authentication", "tenant_id", tenantID, "role", role)
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
