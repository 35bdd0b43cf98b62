package authz

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/nexusrag/nexusrag/internal/auth"
)

// ResourceFunc resolves the resource being accessed for a request: its
// owning tenant, an optional concrete id (for ACL lookups), and its label
// set (for resource.labels.* ABAC conditions).
type ResourceFunc func(r *http.Request) (tenantID uuid.UUID, resourceID *uuid.UUID, labels []byte, ok bool)

// Require returns middleware enforcing the full authorization pipeline for
// one (resourceType, action) pair ahead of next. The caller's identity comes
// from internal/auth's context, already populated by the authentication
// middleware upstream.
func Require(authorizer *Authorizer, resourceType, action string, resourceFn ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.FromContext(r.Context())
			if id == nil {
				respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}

			resourceTenant, resourceID, labels, ok := resourceFn(r)
			if !ok {
				respondError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
				return
			}

			decision, err := authorizer.Authorize(r.Context(), Request{
				Principal:      *id,
				ResourceTenant: resourceTenant,
				ResourceType:   resourceType,
				Action:         action,
				ResourceID:     resourceID,
				ResourceLabels: labels,
				RequestIP:      clientIP(r),
			})
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "AUTHZ_UNAVAILABLE", "could not evaluate authorization")
				return
			}
			if !decision.Allowed {
				status, code := statusForReason(decision.Reason)
				respondError(w, status, code, "access denied: "+string(decision.Reason))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func statusForReason(reason Reason) (int, string) {
	switch reason {
	case ReasonTenantBoundary:
		return http.StatusConflict, "TENANT_MISMATCH"
	case ReasonMaintenance:
		return http.StatusServiceUnavailable, "SERVICE_DISABLED"
	case ReasonRBAC:
		return http.StatusForbidden, "ROLE_FORBIDDEN"
	case ReasonACL:
		return http.StatusForbidden, "ACL_FORBIDDEN"
	case ReasonABACDeny, ReasonDefaultDeny:
		return http.StatusForbidden, "POLICY_FORBIDDEN"
	default:
		return http.StatusForbidden, "FORBIDDEN"
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
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
