package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// LimitSet maps a route class to its configured sustained rate and burst.
type LimitSet map[RouteClass]Limit

// DefaultLimits is the per-route-class configuration the API server wires
// into every rate-limited route; there is no endpoint that changes it at
// runtime.
var DefaultLimits = LimitSet{
	RouteClassRun:      {RPS: 2, Capacity: 10},
	RouteClassMutation: {RPS: 5, Capacity: 20},
	RouteClassRead:     {RPS: 20, Capacity: 60},
	RouteClassOps:      {RPS: 10, Capacity: 30},
}

// IdentityFunc extracts the API key id and tenant id to rate-limit against.
type IdentityFunc func(r *http.Request) (apiKeyID, tenantID string)

// Middleware admits a request only if both the per-key and per-tenant
// buckets for routeClass have a token available. Both scopes are checked
// since a tenant should not be able to work around a noisy single key, and
// a key should not be able to exceed its tenant's aggregate allowance.
func Middleware(limiter *Limiter, limits LimitSet, routeClass RouteClass, identity IdentityFunc, logger *slog.Logger, audit func(eventType string, fields map[string]any)) func(http.Handler) http.Handler {
	limit, ok := limits[routeClass]
	if !ok {
		limit = Limit{RPS: 10, Capacity: 30}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKeyID, tenantID := identity(r)

			for _, check := range []struct {
				scope Scope
				id    string
			}{
				{ScopeKey, apiKeyID},
				{ScopeTenant, tenantID},
			} {
				if check.id == "" {
					continue
				}

				result, err := limiter.Check(r.Context(), check.scope, routeClass, check.id, limit)
				if err != nil {
					logger.Error("rate limit check failed", "scope", check.scope, "error", err)
					respondError(w, http.StatusServiceUnavailable, "RATE_LIMIT_UNAVAILABLE", "rate limiter backend unavailable")
					return
				}

				if result.Degraded {
					w.Header().Set("X-RateLimit-Status", "degraded")
					if audit != nil {
						audit("system.rate_limit.degraded", map[string]any{"scope": check.scope, "route_class": routeClass})
					}
				}

				if !result.Allowed {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", float64(result.RetryAfterMS)/1000))
					w.Header().Set("X-RateLimit-Scope", string(check.scope))
					w.Header().Set("X-RateLimit-Route-Class", string(routeClass))
					w.Header().Set("X-RateLimit-Retry-After-Ms", fmt.Sprintf("%d", result.RetryAfterMS))
					respondRateLimited(w, check.scope, routeClass, result.RetryAfterMS)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func respondRateLimited(w http.ResponseWriter, scope Scope, routeClass RouteClass, retryAfterMS int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":           "RATE_LIMITED",
			"scope":          scope,
			"route_class":    routeClass,
			"retry_after_ms": retryAfterMS,
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
