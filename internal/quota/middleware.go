package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// LimitsLookup resolves the effective quota limits for a tenant, typically
// backed by the tenant's plan plus any per-tenant override.
type LimitsLookup func(ctx context.Context, tenantID uuid.UUID) (Limits, error)

// TenantIDFunc extracts the authenticated tenant id from the request.
type TenantIDFunc func(r *http.Request) (uuid.UUID, bool)

// AuditFunc records a quota-related event. eventType is one of
// "quota.soft_cap_reached" or "quota.overage_observed".
type AuditFunc func(eventType string, fields map[string]any)

// Middleware enforces day/month quota counters for a route class, per
// spec §4.4: soft cap emits a one-time notification and a response header;
// hard cap either blocks (enforce) or is logged and allowed (observe).
func Middleware(quota *Quota, routeClass RouteClass, tenantIDFn TenantIDFunc, limitsFn LimitsLookup, audit AuditFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := tenantIDFn(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			limits, err := limitsFn(r.Context(), tenantID)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "QUOTA_UNAVAILABLE", "could not resolve quota limits")
				return
			}

			result, err := quota.Check(r.Context(), tenantID, UnitsFor(routeClass), limits)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "QUOTA_UNAVAILABLE", "quota counter backend unavailable")
				return
			}

			setHeaders(w, result)

			if result.SoftCapReached && audit != nil {
				audit("quota.soft_cap_reached", map[string]any{"tenant_id": tenantID, "route_class": routeClass})
			}

			if result.HardCapReached {
				if !result.Allowed {
					respondQuotaExceeded(w, result)
					return
				}
				if audit != nil {
					audit("quota.overage_observed", map[string]any{"tenant_id": tenantID, "route_class": routeClass})
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, r Result) {
	h := w.Header()
	h.Set("X-Quota-Day-Limit", fmt.Sprintf("%d", r.DayLimit))
	h.Set("X-Quota-Day-Used", fmt.Sprintf("%d", r.DayUsed))
	h.Set("X-Quota-Day-Remaining", fmt.Sprintf("%d", r.DayRemaining))
	h.Set("X-Quota-Month-Limit", fmt.Sprintf("%d", r.MonthLimit))
	h.Set("X-Quota-Month-Used", fmt.Sprintf("%d", r.MonthUsed))
	h.Set("X-Quota-Month-Remaining", fmt.Sprintf("%d", r.MonthRemaining))
	h.Set("X-Quota-HardCap-Mode", string(r.Mode))
	if r.SoftCapReached {
		h.Set("X-Quota-SoftCap-Reached", "true")
	}
}

func respondQuotaExceeded(w http.ResponseWriter, r Result) {
	period := "day"
	limit, used := r.DayLimit, r.DayUsed
	if r.MonthUsed >= r.MonthLimit {
		period, limit, used = "month", r.MonthLimit, r.MonthUsed
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":   "QUOTA_EXCEEDED",
			"period": period,
			"limit":  limit,
			"used":   used,
		},
	})
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
