package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// KeyHeader carries the caller-supplied idempotency key.
const KeyHeader = "X-Idempotency-Key"

// Middleware wraps mutating routes with the guard. Reads (GET/HEAD/OPTIONS)
// pass through untouched; everything else requires a key and an
// authenticated principal on the request context.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(KeyHeader)
		userID := PrincipalFromContext(r.Context())

		resp, err := g.Execute(r.Context(), userID, key, func(ctx context.Context) (*Response, error) {
			rec := newResponseRecorder()
			next.ServeHTTP(rec, r.WithContext(ctx))
			return rec.response(), nil
		})
		if err != nil {
			writeRejection(w, err)
			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		if resp.Replayed {
			w.Header().Set("X-Idempotent-Replay", "true")
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func writeRejection(w http.ResponseWriter, err error) {
	var rej *Rejection
	if !errors.As(err, &rej) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rej.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    rej.Code,
		"message": rej.Message,
	})
}

// responseRecorder captures status, content type, and body from the
// downstream handler so the guard can store and later replay them.
type responseRecorder struct {
	status int
	header http.Header
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		status: http.StatusOK,
		header: make(http.Header),
	}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) response() *Response {
	return &Response{
		Status:      r.status,
		ContentType: r.header.Get("Content-Type"),
		Body:        r.body.Bytes(),
	}
}
