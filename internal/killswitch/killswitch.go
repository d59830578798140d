package killswitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/cache"
	"TradeGuard/internal/clock"
	"TradeGuard/internal/observability"
)

// ActorSystem is the actor recorded for automated activations. Automation
// may engage the switch but never release it.
const ActorSystem = "system"

// ReasonRiskServiceDown is the fixed token the dependency health monitor
// activates with.
const ReasonRiskServiceDown = "risk_service_down"

// stateKey is the shared-cache key holding the global state, so an
// activation on one server instance halts trading on all of them.
const stateKey = "killswitch:state"

var (
	// ErrHalted is the sentinel for trade paths refused by CheckHalted.
	ErrHalted = errors.New("killswitch: trading halted")

	// ErrUnavailable is returned when the shared state cannot be read.
	// Trade paths must treat it as a halt (fail closed).
	ErrUnavailable = errors.New("killswitch: state unavailable")

	// ErrSystemDeactivate rejects automated deactivation attempts.
	ErrSystemDeactivate = errors.New("killswitch: deactivation requires a human actor")
)

// State is the single global halt flag.
type State struct {
	Active      bool       `json:"active"`
	Reason      string     `json:"reason,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ActivatedBy string     `json:"activated_by,omitempty"`
}

// HaltError carries the authoritative reason to the caller. It wraps
// ErrHalted so trade paths can branch with errors.Is.
type HaltError struct {
	Reason      string
	ActivatedBy string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("SYSTEM_HALTED: trading halted (%s, activated by %s)", e.Reason, e.ActivatedBy)
}

func (e *HaltError) Unwrap() error { return ErrHalted }

// Switch is the global gate consulted by every trade-initiating path.
// Effective state lives in the shared cache; the struct itself holds no
// trading state and is safe for concurrent use.
type Switch struct {
	store   cache.Cache
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observability.Metrics
}

type Option func(*Switch)

// WithClock injects a clock for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Switch) { s.clk = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Switch) { s.metrics = m }
}

func New(store cache.Cache, log zerolog.Logger, opts ...Option) *Switch {
	s := &Switch{
		store: store,
		clk:   clock.Real{},
		log:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Activate engages the switch. Idempotent with respect to trading effect:
// re-activation refreshes the recorded reason and actor but keeps the
// original activation time, so one episode has one authoritative start.
// The start is claimed with an atomic conditional insert: of two concurrent
// activations across instances, the first writer records the episode start
// and the second observes it and preserves it.
func (s *Switch) Activate(ctx context.Context, reason, actor string) error {
	activatedAt := s.clk.Now()
	next := State{
		Active:      true,
		Reason:      reason,
		ActivatedAt: &activatedAt,
		ActivatedBy: actor,
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	inserted, err := s.store.SetNX(ctx, stateKey, data, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	wasActive := false
	if !inserted {
		current, err := s.load(ctx)
		if err != nil {
			return err
		}
		wasActive = current.Active
		if current.Active && current.ActivatedAt != nil {
			next.ActivatedAt = current.ActivatedAt
		}
		if err := s.save(ctx, next); err != nil {
			return err
		}
	}

	s.log.Warn().Str("reason", reason).Str("actor", actor).
		Bool("was_active", wasActive).Msg("kill switch activated")
	if s.metrics != nil {
		actorKind := "user"
		if actor == ActorSystem {
			actorKind = ActorSystem
		}
		s.metrics.KillSwitchActivations.WithLabelValues(actorKind).Inc()
		s.metrics.KillSwitchActive.Set(1)
	}
	return nil
}

// Deactivate clears the switch. The switch never self-clears: automation
// is refused, only an authorized human actor may release it.
func (s *Switch) Deactivate(ctx context.Context, actor string) error {
	if actor == "" || actor == ActorSystem {
		return ErrSystemDeactivate
	}

	// Removing the key closes the episode, so the next activation's
	// conditional insert can claim a fresh start time.
	if err := s.store.Delete(ctx, stateKey); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.log.Warn().Str("actor", actor).Msg("kill switch deactivated")
	if s.metrics != nil {
		s.metrics.KillSwitchDeactivations.Inc()
		s.metrics.KillSwitchActive.Set(0)
	}
	return nil
}

// State returns the current global state.
func (s *Switch) State(ctx context.Context) (State, error) {
	return s.load(ctx)
}

// IsActive reports whether trading is halted.
func (s *Switch) IsActive(ctx context.Context) (bool, error) {
	state, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	return state.Active, nil
}

// CheckHalted is intended as the first statement of any state-mutating
// trade path. It returns a HaltError when the switch is active and
// ErrUnavailable when the shared state cannot be read; either way the
// trade must not proceed.
func (s *Switch) CheckHalted(ctx context.Context) error {
	state, err := s.load(ctx)
	if err != nil {
		return err
	}
	if state.Active {
		if s.metrics != nil {
			s.metrics.KillSwitchHaltRejects.Inc()
		}
		return &HaltError{Reason: state.Reason, ActivatedBy: state.ActivatedBy}
	}
	return nil
}

func (s *Switch) load(ctx context.Context) (State, error) {
	data, err := s.store.Get(ctx, stateKey)
	if errors.Is(err, cache.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("%w: unreadable state: %v", ErrUnavailable, err)
	}
	return state, nil
}

func (s *Switch) save(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	// No TTL: halt state must survive until explicitly cleared.
	if err := s.store.Set(ctx, stateKey, data, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
