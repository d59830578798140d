package guard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"TradeGuard/internal/cache"
	"TradeGuard/internal/guard"
)

func middlewareFixture(t *testing.T) (http.Handler, *int) {
	t.Helper()
	g := newTestGuard(cache.NewMemory(nil))
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"order_id":"abc"}`))
	})
	return g.Middleware(next), &calls
}

func mutatingRequest(key, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(guard.KeyHeader, key)
	}
	if userID != "" {
		req = req.WithContext(guard.WithPrincipal(req.Context(), userID))
	}
	return req
}

func TestMiddleware_GetPassesThrough(t *testing.T) {
	h, calls := middlewareFixture(t)

	// No key, no principal: reads are not guarded.
	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status %d, want %d", rec.Code, http.StatusCreated)
	}
	if *calls != 1 {
		t.Errorf("handler calls = %d, want 1", *calls)
	}
}

func TestMiddleware_MissingKey(t *testing.T) {
	h, calls := middlewareFixture(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, mutatingRequest("", "user-1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != guard.CodeMissingKey {
		t.Errorf("code %q, want %q", body["code"], guard.CodeMissingKey)
	}
	if *calls != 0 {
		t.Errorf("handler calls = %d, want 0", *calls)
	}
}

func TestMiddleware_NoPrincipal(t *testing.T) {
	h, calls := middlewareFixture(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, mutatingRequest(validKey, ""))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
	if *calls != 0 {
		t.Errorf("handler calls = %d, want 0", *calls)
	}
}

func TestMiddleware_ReplaySetsHeader(t *testing.T) {
	h, calls := middlewareFixture(t)

	first := httptest.NewRecorder()
	h.ServeHTTP(first, mutatingRequest(validKey, "user-1"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first status %d, want 201", first.Code)
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response marked as replay")
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, mutatingRequest(validKey, "user-1"))

	if *calls != 1 {
		t.Errorf("handler calls = %d, want 1", *calls)
	}
	if second.Code != first.Code {
		t.Errorf("replay status %d, want %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replay content type %q", second.Header().Get("Content-Type"))
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay header missing")
	}
}
