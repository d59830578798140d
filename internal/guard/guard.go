package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TradeGuard/internal/cache"
	"TradeGuard/internal/clock"
	"TradeGuard/internal/observability"
)

// Rejection codes returned before the downstream handler runs.
const (
	CodeMissingKey       = "MISSING_KEY"
	CodeInvalidKeyFormat = "INVALID_KEY_FORMAT"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeInProgress       = "IN_PROGRESS"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
)

// DefaultRetentionTTL is how long a completed record is replayed before the
// same caller key may be reused.
const DefaultRetentionTTL = 24 * time.Hour

// statusInProgress is the sentinel stored between admit and completion.
const statusInProgress = 0

// Rejection is a pre-handler refusal. It carries a machine-readable code
// and the HTTP-equivalent status the transport should surface.
type Rejection struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("idempotency guard: %s: %s", r.Code, r.Message)
}

// Response is the captured outcome of a guarded handler: status code,
// content type, and body. Replays return it verbatim.
type Response struct {
	Status      int
	ContentType string
	Body        []byte

	// Replayed is true when the response was served from the stored record
	// without invoking the handler.
	Replayed bool
}

// Handler is the guarded downstream operation.
type Handler func(ctx context.Context) (*Response, error)

// record is the serialized cache entry. Headers currently hold only the
// content type; the slice keeps insertion order if more are captured later.
type record struct {
	Status    int          `json:"status"`
	Headers   []headerPair `json:"headers,omitempty"`
	Body      []byte       `json:"body,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Guard deduplicates mutating operations by a caller-supplied UUID v4 key,
// namespaced per authenticated principal. The sentinel write uses the
// cache's atomic insert-if-absent, so concurrent duplicates cannot both
// reach the handler.
type Guard struct {
	cache   cache.Cache
	ttl     time.Duration
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics

	// completionHook, when set, observes the outcome of the fire-and-forget
	// record overwrite. Tests use it; production leaves it nil.
	completionHook func(err error)
}

type Option func(*Guard)

// WithRetentionTTL overrides the 24h record retention.
func WithRetentionTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(g *Guard) { g.clk = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithCompletionHook makes the post-completion record write observable.
func WithCompletionHook(hook func(err error)) Option {
	return func(g *Guard) { g.completionHook = hook }
}

func New(c cache.Cache, log zerolog.Logger, opts ...Option) *Guard {
	g := &Guard{
		cache: c,
		ttl:   DefaultRetentionTTL,
		clk:   clock.Real{},
		log:   log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs handler at most once per (userID, key) within the retention
// window. A repeated key replays the stored response verbatim. A repeated
// key whose first request is still in flight is rejected with IN_PROGRESS.
// Any cache fault before the handler runs fails closed.
func (g *Guard) Execute(ctx context.Context, userID, key string, handler Handler) (*Response, error) {
	if rej := validateKey(key); rej != nil {
		g.countRejected(rej.Code)
		return nil, rej
	}
	if userID == "" {
		g.countRejected(CodeUnauthenticated)
		return nil, &Rejection{
			Code:       CodeUnauthenticated,
			HTTPStatus: 401,
			Message:    "idempotency keys are namespaced per user; no principal on request",
		}
	}

	cacheKey := recordKey(userID, key)

	sentinel, err := json.Marshal(record{Status: statusInProgress, CreatedAt: g.clk.Now()})
	if err != nil {
		return nil, fmt.Errorf("marshal sentinel: %w", err)
	}

	// Atomic admit: exactly one request per key gets to write the sentinel.
	inserted, err := g.cache.SetNX(ctx, cacheKey, sentinel, g.ttl)
	if err != nil {
		g.failClosed(err)
		return nil, &Rejection{
			Code:       CodeUnavailable,
			HTTPStatus: 503,
			Message:    "approval cache unreachable; refusing to admit an unguarded duplicate",
		}
	}

	if !inserted {
		return g.handleExisting(ctx, cacheKey)
	}

	if g.metrics != nil {
		g.metrics.GuardAdmitted.Inc()
	}

	resp, err := handler(ctx)
	if err != nil {
		// The handler never produced a response; drop the sentinel so the
		// caller can retry with the same key.
		if delErr := g.cache.Delete(ctx, cacheKey); delErr != nil {
			g.log.Error().Err(delErr).Str("key", cacheKey).
				Msg("failed to clear sentinel after handler error")
		}
		return nil, err
	}

	g.storeOutcome(ctx, cacheKey, resp)
	return resp, nil
}

// handleExisting resolves a SetNX conflict: either the first request is
// still in flight (reject) or it completed (replay).
func (g *Guard) handleExisting(ctx context.Context, cacheKey string) (*Response, error) {
	data, err := g.cache.Get(ctx, cacheKey)
	if errors.Is(err, cache.ErrNotFound) {
		// The record expired or was dropped between SetNX and Get. Admitting
		// here would reopen the duplicate window, so refuse and let the
		// caller retry.
		g.countRejected(CodeInProgress)
		return nil, inProgressRejection()
	}
	if err != nil {
		g.failClosed(err)
		return nil, &Rejection{
			Code:       CodeUnavailable,
			HTTPStatus: 503,
			Message:    "approval cache unreachable; refusing to admit an unguarded duplicate",
		}
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		g.failClosed(err)
		return nil, &Rejection{
			Code:       CodeUnavailable,
			HTTPStatus: 503,
			Message:    "stored idempotency record is unreadable",
		}
	}

	if rec.Status == statusInProgress {
		if g.metrics != nil {
			g.metrics.GuardConflicts.Inc()
		}
		return nil, inProgressRejection()
	}

	if g.metrics != nil {
		g.metrics.GuardReplayed.Inc()
	}
	resp := &Response{
		Status:   rec.Status,
		Body:     rec.Body,
		Replayed: true,
	}
	for _, h := range rec.Headers {
		if h.Name == "Content-Type" {
			resp.ContentType = h.Value
		}
	}
	return resp, nil
}

// storeOutcome overwrites the sentinel with the final response. The write
// is best-effort: the caller already has its response, so failure is logged
// and reported to the completion hook only.
func (g *Guard) storeOutcome(ctx context.Context, cacheKey string, resp *Response) {
	rec := record{
		Status:    resp.Status,
		Body:      resp.Body,
		CreatedAt: g.clk.Now(),
	}
	if resp.ContentType != "" {
		rec.Headers = []headerPair{{Name: "Content-Type", Value: resp.ContentType}}
	}

	data, err := json.Marshal(rec)
	if err == nil {
		err = g.cache.Set(ctx, cacheKey, data, g.ttl)
	}

	if err != nil {
		g.log.Error().Err(err).Str("key", cacheKey).
			Msg("failed to store final idempotency record; key will stay in-progress until TTL")
		if g.metrics != nil {
			g.metrics.GuardRecordWrite.WithLabelValues("error").Inc()
		}
	} else if g.metrics != nil {
		g.metrics.GuardRecordWrite.WithLabelValues("ok").Inc()
	}

	if g.completionHook != nil {
		g.completionHook(err)
	}
}

func (g *Guard) failClosed(err error) {
	g.log.Error().Err(err).Msg("approval cache fault; failing closed")
	if g.metrics != nil {
		g.metrics.GuardFailClosed.Inc()
	}
}

func (g *Guard) countRejected(code string) {
	if g.metrics != nil {
		g.metrics.GuardRejected.WithLabelValues(code).Inc()
	}
}

func inProgressRejection() *Rejection {
	return &Rejection{
		Code:       CodeInProgress,
		HTTPStatus: 409,
		Message:    "a request with this idempotency key is already in progress",
	}
}

// validateKey requires a well-formed UUID v4 before any state access.
func validateKey(key string) *Rejection {
	if key == "" {
		return &Rejection{
			Code:       CodeMissingKey,
			HTTPStatus: 400,
			Message:    "idempotency key header is required for mutating operations",
		}
	}
	// uuid.Parse also accepts urn:, braced, and unhyphenated encodings; the
	// header must carry the canonical 36-character form, so round-trip it.
	id, err := uuid.Parse(key)
	if err != nil || id.Version() != 4 || id.String() != key {
		return &Rejection{
			Code:       CodeInvalidKeyFormat,
			HTTPStatus: 400,
			Message:    "idempotency key must be a canonical version-4 UUID",
		}
	}
	return nil
}

func recordKey(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}
