package idempotency

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// TenantIDFunc extracts the authenticated tenant id from the request.
type TenantIDFunc func(r *http.Request) (string, bool)

// HeaderName is the request header carrying the caller-supplied key.
const HeaderName = "Idempotency-Key"

// Middleware applies idempotent replay semantics to mutating requests that
// carry an Idempotency-Key header. Requests without the header pass
// through unaffected — idempotency is opt-in per spec §4.5.
func Middleware(store *Store, tenantIDFn TenantIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderName)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			tenantID, ok := tenantIDFn(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				respondError(w, http.StatusBadRequest, "INVALID_BODY", "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			payloadHash := HashPayload(body)

			lease, cached, err := store.Begin(r.Context(), tenantID, key, payloadHash)
			if err != nil {
				if err == ErrConflict {
					respondError(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", "idempotency key reused with a different request body")
					return
				}
				respondError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable")
				return
			}

			if cached != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(cached.ResponseStatus)
				_, _ = w.Write(cached.ResponseBody)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if err := lease.Complete(r.Context(), rec.status, rec.body.Bytes()); err != nil {
				lease.Abandon(r.Context())
			}
		})
	}
}

// recorder captures the status and body written by the downstream handler
// so it can be persisted into the idempotency record after the fact.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
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
