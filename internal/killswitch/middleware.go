package killswitch

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// TenantIDFunc extracts the authenticated tenant id from the request.
type TenantIDFunc func(r *http.Request) (uuid.UUID, bool)

// RequireNotKilled blocks a route while the named kill switch is engaged.
func RequireNotKilled(checker *Checker, key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			killed, err := checker.IsKilled(r.Context(), key)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "KILLSWITCH_UNAVAILABLE", "could not evaluate kill switch")
				return
			}
			if killed {
				respondError(w, http.StatusServiceUnavailable, "SERVICE_DISABLED", "this capability is currently disabled")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireNotWriteFrozen blocks a mutating route while the tenant's writes
// are frozen.
func RequireNotWriteFrozen(checker *Checker, tenantIDFn TenantIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := tenantIDFn(r)
			if !ok {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "no authenticated tenant")
				return
			}

			frozen, err := checker.IsWriteFrozen(r.Context(), tenantID)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "KILLSWITCH_UNAVAILABLE", "could not evaluate write-freeze state")
				return
			}
			if frozen {
				respondError(w, http.StatusServiceUnavailable, "WRITE_FROZEN", "writes are currently frozen for this tenant")
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
