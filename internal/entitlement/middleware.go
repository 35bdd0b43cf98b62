package entitlement

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// TenantIDFunc extracts the authenticated tenant id from the request.
type TenantIDFunc func(r *http.Request) (uuid.UUID, bool)

// RequireFeature blocks a route unless featureKey is enabled for the
// caller's tenant, per spec §4.6.
func RequireFeature(checker *Checker, featureKey string, tenantIDFn TenantIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := tenantIDFn(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no authenticated tenant")
				return
			}

			enabled, err := checker.IsEnabled(r.Context(), tenantID, featureKey)
			if err != nil && err != ErrNotFound {
				respondError(w, http.StatusServiceUnavailable, "ENTITLEMENT_UNAVAILABLE", "could not resolve entitlement")
				return
			}
			if !enabled {
				respondError(w, http.StatusForbidden, "FEATURE_NOT_ENABLED", "feature "+featureKey+" is not enabled for this tenant")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

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
