package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/cache"
	"TradeGuard/internal/clock"
	"TradeGuard/internal/observability"
)

// Rejection reasons. These are business decisions, not faults: callers must
// not retry them automatically.
const (
	ReasonNoLimits      = "NO_LIMITS_CONFIGURED"
	ReasonLimitExceeded = "RISK_LIMIT_EXCEEDED"
)

// ViolationMaxPositionSize identifies the enforced limit type. Exposure and
// daily-loss limits are modeled in Limits but unenforced until price/PnL
// data is integrated; any limit added later must fail closed on missing
// data the way the position-size check fails closed on missing limits.
const ViolationMaxPositionSize = "MAX_POSITION_SIZE"

// DefaultApprovalTTL bounds load on the limits store: an approval is reused
// for identical fingerprints for this long.
const DefaultApprovalTTL = 10 * time.Second

// Side of a prospective trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Request is one prospective trade to validate.
type Request struct {
	UserID          string
	Symbol          string
	Side            Side
	Quantity        float64
	CurrentPosition float64
	PositionVersion int64
}

// Approval records a successful validation, including a verbatim snapshot
// of the limits it checked against, so later limit edits cannot change
// what an issued approval claims to have verified.
type Approval struct {
	Fingerprint    string    `json:"fingerprint"`
	ValidatedAt    time.Time `json:"validated_at"`
	LimitsSnapshot Limits    `json:"limits_snapshot"`
}

// Violation details a rejected trade.
type Violation struct {
	Type          string  `json:"type"`
	ComputedValue float64 `json:"computed_value"`
	Limit         float64 `json:"limit"`
}

// Rejection is a refused trade with structured detail.
type Rejection struct {
	Reason    string     `json:"reason"`
	Message   string     `json:"message"`
	Violation *Violation `json:"violation,omitempty"`
}

// Verdict is the tagged validation result: either Approval or Rejection is
// set. Infrastructure faults are returned as errors instead.
type Verdict struct {
	Approved  bool
	Approval  *Approval
	Rejection *Rejection
}

// Validator evaluates prospective trades against configured limits, with a
// short-lived approval cache keyed by the request fingerprint.
type Validator struct {
	limits  LimitsStore
	cache   cache.Cache
	ttl     time.Duration
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics
}

type Option func(*Validator)

// WithApprovalTTL overrides the 10s approval reuse window.
func WithApprovalTTL(ttl time.Duration) Option {
	return func(v *Validator) { v.ttl = ttl }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(v *Validator) { v.clk = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func NewValidator(limits LimitsStore, c cache.Cache, log zerolog.Logger, opts ...Option) *Validator {
	v := &Validator{
		limits: limits,
		cache:  c,
		ttl:    DefaultApprovalTTL,
		clk:    clock.Real{},
		log:    log,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate approves or rejects a prospective trade. A cached approval with
// an identical fingerprint is returned unchanged; any input change (the
// position version in particular) produces a new fingerprint and a fresh
// computation. Limits-store unavailability is an error: the caller must
// fail closed.
func (v *Validator) Validate(ctx context.Context, req Request) (Verdict, error) {
	fp := fingerprint(req)

	if approval, ok := v.cachedApproval(ctx, fp); ok {
		if v.metrics != nil {
			v.metrics.RiskCacheHits.Inc()
		}
		return Verdict{Approved: true, Approval: approval}, nil
	}
	if v.metrics != nil {
		v.metrics.RiskCacheMisses.Inc()
	}

	start := v.clk.Now()
	limits, err := v.limits.Load(ctx, req.UserID, req.Symbol)
	if v.metrics != nil {
		v.metrics.RiskLimitsLoadDur.Observe(time.Since(start).Seconds())
	}
	if errors.Is(err, ErrNoLimits) {
		v.countRejected(ReasonNoLimits)
		return Verdict{Rejection: &Rejection{
			Reason:  ReasonNoLimits,
			Message: fmt.Sprintf("no risk limits configured for user %s symbol %s", req.UserID, req.Symbol),
		}}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("load limits for %s/%s: %w", req.UserID, req.Symbol, err)
	}

	prospective := req.CurrentPosition
	if req.Side == SideBuy {
		prospective += req.Quantity
	} else {
		prospective -= req.Quantity
	}

	if math.Abs(prospective) > limits.MaxPositionSize {
		v.countRejected(ReasonLimitExceeded)
		return Verdict{Rejection: &Rejection{
			Reason: ReasonLimitExceeded,
			Message: fmt.Sprintf("prospective position %.8f exceeds max position size %.8f",
				prospective, limits.MaxPositionSize),
			Violation: &Violation{
				Type:          ViolationMaxPositionSize,
				ComputedValue: prospective,
				Limit:         limits.MaxPositionSize,
			},
		}}, nil
	}

	approval := &Approval{
		Fingerprint:    fp,
		ValidatedAt:    v.clk.Now(),
		LimitsSnapshot: *limits,
	}
	v.storeApproval(ctx, fp, approval)

	if v.metrics != nil {
		v.metrics.RiskApproved.Inc()
	}
	return Verdict{Approved: true, Approval: approval}, nil
}

// PurgeApprovals removes cached approvals matching a pattern, e.g.
// "risk:42:*" after a limit change for user 42. Pure cache freshness:
// correctness never depends on it, since a miss recomputes from source
// limits.
func (v *Validator) PurgeApprovals(ctx context.Context, pattern string) (int, error) {
	n, err := v.cache.DeletePattern(ctx, pattern)
	if err != nil {
		return n, fmt.Errorf("purge approvals %q: %w", pattern, err)
	}
	if v.metrics != nil {
		v.metrics.RiskPurged.Add(float64(n))
	}
	v.log.Info().Str("pattern", pattern).Int("purged", n).Msg("purged cached approvals")
	return n, nil
}

// cachedApproval returns a stored approval for the fingerprint. Cache
// faults degrade to recomputation: approvals are re-derivable from source
// limits, unlike idempotency records.
func (v *Validator) cachedApproval(ctx context.Context, fp string) (*Approval, bool) {
	data, err := v.cache.Get(ctx, fp)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		v.log.Warn().Err(err).Msg("approval cache read failed; recomputing from limits store")
		return nil, false
	}
	var approval Approval
	if err := json.Unmarshal(data, &approval); err != nil {
		v.log.Warn().Err(err).Str("fingerprint", fp).Msg("unreadable cached approval; recomputing")
		return nil, false
	}
	return &approval, true
}

func (v *Validator) storeApproval(ctx context.Context, fp string, approval *Approval) {
	data, err := json.Marshal(approval)
	if err == nil {
		err = v.cache.Set(ctx, fp, data, v.ttl)
	}
	if err != nil {
		// Best-effort: the approval is already computed and returned.
		v.log.Warn().Err(err).Str("fingerprint", fp).Msg("failed to cache approval")
	}
}

func (v *Validator) countRejected(reason string) {
	if v.metrics != nil {
		v.metrics.RiskRejected.WithLabelValues(reason).Inc()
	}
}

// fingerprint captures exactly the inputs whose equality justifies approval
// reuse. The position version stands in for the current position: any
// position change bumps the version and invalidates reuse.
func fingerprint(req Request) string {
	return fmt.Sprintf("risk:%s:%s:%s:%s:%d",
		req.UserID,
		req.Symbol,
		req.Side,
		strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		req.PositionVersion,
	)
}
