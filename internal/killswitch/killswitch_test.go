package killswitch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/cache"
	"TradeGuard/internal/clock"
	"TradeGuard/internal/killswitch"
	"TradeGuard/internal/observability"
)

var testLogger = observability.NewLoggerWithLevel("killswitch-test", zerolog.Disabled)

func newSwitch(clk clock.Clock) (*killswitch.Switch, *cache.Memory) {
	mem := cache.NewMemory(clk)
	opts := []killswitch.Option{}
	if clk != nil {
		opts = append(opts, killswitch.WithClock(clk))
	}
	return killswitch.New(mem, testLogger, opts...), mem
}

func TestDefaultStateIsInactive(t *testing.T) {
	s, _ := newSwitch(nil)
	ctx := context.Background()

	state, err := s.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Active {
		t.Error("switch active with no stored state")
	}
	if err := s.CheckHalted(ctx); err != nil {
		t.Errorf("CheckHalted on inactive switch: %v", err)
	}
}

func TestActivateHaltsTrading(t *testing.T) {
	s, _ := newSwitch(nil)
	ctx := context.Background()

	if err := s.Activate(ctx, "manual_halt", "ops-alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	err := s.CheckHalted(ctx)
	if !errors.Is(err, killswitch.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	var halt *killswitch.HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("expected HaltError, got %T", err)
	}
	if halt.Reason != "manual_halt" || halt.ActivatedBy != "ops-alice" {
		t.Errorf("halt detail = %+v", halt)
	}
}

func TestReactivationKeepsOriginalTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, _ := newSwitch(clk)
	ctx := context.Background()

	if err := s.Activate(ctx, killswitch.ReasonRiskServiceDown, killswitch.ActorSystem); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	first, _ := s.State(ctx)

	clk.Advance(10 * time.Minute)
	if err := s.Activate(ctx, "manual_halt", "ops-alice"); err != nil {
		t.Fatalf("second activate: %v", err)
	}

	state, err := s.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.ActivatedAt.Equal(*first.ActivatedAt) {
		t.Errorf("re-activation moved ActivatedAt from %v to %v", first.ActivatedAt, state.ActivatedAt)
	}
	// Reason and actor do refresh.
	if state.Reason != "manual_halt" || state.ActivatedBy != "ops-alice" {
		t.Errorf("state = %+v", state)
	}
}

func TestConcurrentActivationKeepsFirstWritersTime(t *testing.T) {
	// Two server instances share one cache. The instance that wins the
	// conditional insert records the episode start; the other preserves it.
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	mem := cache.NewMemory(clk)
	a := killswitch.New(mem, testLogger, killswitch.WithClock(clk))
	b := killswitch.New(mem, testLogger, killswitch.WithClock(clk))
	ctx := context.Background()

	if err := a.Activate(ctx, killswitch.ReasonRiskServiceDown, killswitch.ActorSystem); err != nil {
		t.Fatalf("instance a activate: %v", err)
	}
	first, _ := a.State(ctx)

	clk.Advance(3 * time.Second)
	if err := b.Activate(ctx, "manual_halt", "ops-alice"); err != nil {
		t.Fatalf("instance b activate: %v", err)
	}

	state, err := b.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.ActivatedAt.Equal(*first.ActivatedAt) {
		t.Errorf("second activation moved ActivatedAt from %v to %v", first.ActivatedAt, state.ActivatedAt)
	}
}

func TestNewEpisodeGetsFreshTime(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, _ := newSwitch(clk)
	ctx := context.Background()

	if err := s.Activate(ctx, "manual_halt", "ops-alice"); err != nil {
		t.Fatalf("first activate: %v", err)
	}
	first, _ := s.State(ctx)

	clk.Advance(time.Hour)
	if err := s.Deactivate(ctx, "ops-alice"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	clk.Advance(time.Hour)
	if err := s.Activate(ctx, "manual_halt", "ops-bob"); err != nil {
		t.Fatalf("second activate: %v", err)
	}

	state, _ := s.State(ctx)
	if state.ActivatedAt.Equal(*first.ActivatedAt) {
		t.Error("new episode reused the previous episode's start time")
	}
	if state.ActivatedBy != "ops-bob" {
		t.Errorf("activated by %q, want ops-bob", state.ActivatedBy)
	}
}

func TestDeactivateRequiresHumanActor(t *testing.T) {
	s, _ := newSwitch(nil)
	ctx := context.Background()

	if err := s.Activate(ctx, killswitch.ReasonRiskServiceDown, killswitch.ActorSystem); err != nil {
		t.Fatalf("activate: %v", err)
	}

	for _, actor := range []string{"", killswitch.ActorSystem} {
		if err := s.Deactivate(ctx, actor); !errors.Is(err, killswitch.ErrSystemDeactivate) {
			t.Errorf("actor %q: expected ErrSystemDeactivate, got %v", actor, err)
		}
	}
	if err := s.CheckHalted(ctx); !errors.Is(err, killswitch.ErrHalted) {
		t.Error("switch released by automation")
	}

	if err := s.Deactivate(ctx, "ops-alice"); err != nil {
		t.Fatalf("human deactivate: %v", err)
	}
	if err := s.CheckHalted(ctx); err != nil {
		t.Errorf("CheckHalted after deactivate: %v", err)
	}
}

func TestUnreadableStateFailsClosed(t *testing.T) {
	s, mem := newSwitch(nil)
	ctx := context.Background()
	mem.Fail = true

	if err := s.CheckHalted(ctx); !errors.Is(err, killswitch.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := s.IsActive(ctx); !errors.Is(err, killswitch.ErrUnavailable) {
		t.Errorf("IsActive: expected ErrUnavailable, got %v", err)
	}
}

func TestStateSurvivesWithoutTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, _ := newSwitch(clk)
	ctx := context.Background()

	if err := s.Activate(ctx, "manual_halt", "ops-alice"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	clk.Advance(72 * time.Hour)
	if err := s.CheckHalted(ctx); !errors.Is(err, killswitch.ErrHalted) {
		t.Error("halt state expired; it must persist until explicitly cleared")
	}
}
