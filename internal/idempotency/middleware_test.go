package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func staticTenant(id string) TenantIDFunc {
	return func(_ *http.Request) (string, bool) { return id, true }
}

func TestMiddleware_PassesThroughWithoutKey(t *testing.T) {
	store := NewStore(newFakeAcquirer())
	var calls int
	mw := Middleware(store, staticTenant("tenant-1"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	if calls != 2 {
		t.Errorf("calls = %d, want 2 — requests without the header must never be deduplicated", calls)
	}
}

func TestMiddleware_ReplaysCachedResponse(t *testing.T) {
	store := NewStore(newFakeAcquirer())
	var calls int
	mw := Middleware(store, staticTenant("tenant-1"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"q":1}`))
		r.Header.Set(HeaderName, "req-key-1")
		return r
	}

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req())
	if w1.Code != http.StatusCreated {
		t.Fatalf("first response status = %d, want %d", w1.Code, http.StatusCreated)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req())
	if w2.Code != http.StatusCreated {
		t.Fatalf("second response status = %d, want %d", w2.Code, http.StatusCreated)
	}
	if w2.Body.String() != `{"id":"abc"}` {
		t.Errorf("second response body = %q, want replayed body", w2.Body.String())
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Error("expected Idempotency-Replayed: true on the replayed response")
	}
	if calls != 1 {
		t.Errorf("downstream handler calls = %d, want 1 — second request should be served from cache", calls)
	}
}

func TestMiddleware_ConflictOnMismatchedBody(t *testing.T) {
	store := NewStore(newFakeAcquirer())
	mw := Middleware(store, staticTenant("tenant-1"))
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r1 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"q":1}`))
	r1.Header.Set(HeaderName, "req-key-2")
	handler.ServeHTTP(httptest.NewRecorder(), r1)

	r2 := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"q":2}`))
	r2.Header.Set(HeaderName, "req-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, r2)

	if w2.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w2.Code, http.StatusConflict)
	}
}
