package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/clock"
	"TradeGuard/internal/killswitch"
	"TradeGuard/internal/observability"
)

var testLogger = observability.NewLoggerWithLevel("watchdog-test", zerolog.Disabled)

// recordingActivator counts activations and captures the last reason/actor.
// The first failFirst attempts return an error.
type recordingActivator struct {
	mu        sync.Mutex
	attempts  int
	calls     int
	reason    string
	actor     string
	failFirst int
}

func (a *recordingActivator) Activate(_ context.Context, reason, actor string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.attempts <= a.failFirst {
		return errors.New("cache down")
	}
	a.calls++
	a.reason = reason
	a.actor = actor
	return nil
}

func (a *recordingActivator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *recordingActivator) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// failingCheck flips between healthy and unhealthy under test control.
type failingCheck struct {
	mu      sync.Mutex
	healthy bool
}

func (c *failingCheck) set(healthy bool) {
	c.mu.Lock()
	c.healthy = healthy
	c.mu.Unlock()
}

func (c *failingCheck) check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		return nil
	}
	return errors.New("connection refused")
}

func newTestMonitor(check CheckFunc, act Activator, clk clock.Clock) *Monitor {
	return New(check, act, testLogger,
		WithClock(clk),
		WithPollInterval(5*time.Second),
		WithDowntimeThreshold(30*time.Second),
	)
}

// poll simulates one ticker firing at the fake clock's current instant.
func poll(m *Monitor) { m.observe(context.Background()) }

func TestSustainedDowntimeTriggersOnce(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{}
	m := newTestMonitor(check.check, act, clk)

	// Failures at t=0,5,...,30: the 30s threshold is reached on the 7th poll.
	for i := 0; i < 7; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	if act.count() != 1 {
		t.Fatalf("activations = %d, want 1", act.count())
	}
	if act.reason != killswitch.ReasonRiskServiceDown {
		t.Errorf("reason %q, want %q", act.reason, killswitch.ReasonRiskServiceDown)
	}
	if act.actor != killswitch.ActorSystem {
		t.Errorf("actor %q, want %q", act.actor, killswitch.ActorSystem)
	}
	if !m.Status().Triggered {
		t.Error("status not marked triggered")
	}
}

func TestContinuedDowntimeDoesNotRetrigger(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{}
	m := newTestMonitor(check.check, act, clk)

	for i := 0; i < 20; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	if act.count() != 1 {
		t.Errorf("activations = %d, want 1 per episode", act.count())
	}
}

func TestRecoveryResetsThreshold(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{}
	m := newTestMonitor(check.check, act, clk)

	// 25s of downtime, then a single healthy observation.
	for i := 0; i < 5; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}
	check.set(true)
	poll(m)
	clk.Advance(5 * time.Second)

	if st := m.Status(); st.FirstFailureAt != nil || st.Triggered {
		t.Errorf("episode not closed after recovery: %+v", st)
	}

	// Another 25s of downtime: the window restarted, so no trigger.
	check.set(false)
	for i := 0; i < 5; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	if act.count() != 0 {
		t.Errorf("activations = %d, want 0 (neither episode reached the threshold)", act.count())
	}
}

func TestNewEpisodeCanTriggerAgain(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{}
	m := newTestMonitor(check.check, act, clk)

	for i := 0; i < 7; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}
	check.set(true)
	poll(m)
	clk.Advance(5 * time.Second)
	check.set(false)
	for i := 0; i < 7; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	if act.count() != 2 {
		t.Errorf("activations = %d, want 2 (one per episode)", act.count())
	}
}

func TestPanickingCheckCountsAsUnhealthy(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	act := &recordingActivator{}
	m := newTestMonitor(func(context.Context) error { panic("probe blew up") }, act, clk)

	poll(m)

	if st := m.Status(); st.FirstFailureAt == nil {
		t.Error("panicking check did not open a downtime episode")
	}
}

func TestActivationFailureRetriedEveryPoll(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{failFirst: 1000} // never succeeds
	m := newTestMonitor(check.check, act, clk)

	// Polls at t=0..45: the threshold is crossed at t=30, so the monitor
	// attempts activation on that poll and on every unhealthy poll after.
	for i := 0; i < 10; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	if got := act.attemptCount(); got != 4 {
		t.Errorf("activation attempts = %d, want 4", got)
	}
	// A failed activation must not close out the episode's trigger.
	if m.Status().Triggered {
		t.Error("episode marked triggered without a successful activation")
	}
	if m.Status().FirstFailureAt == nil {
		t.Error("downtime episode closed while still unhealthy")
	}
}

func TestActivationRetrySucceedsNextPoll(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	check := &failingCheck{healthy: false}
	act := &recordingActivator{failFirst: 1} // transient fault at trigger time
	m := newTestMonitor(check.check, act, clk)

	for i := 0; i < 8; i++ {
		poll(m)
		clk.Advance(5 * time.Second)
	}

	// First attempt at t=30 failed, the retry at t=35 engaged the switch.
	if got := act.attemptCount(); got != 2 {
		t.Errorf("activation attempts = %d, want 2", got)
	}
	if act.count() != 1 {
		t.Errorf("successful activations = %d, want 1", act.count())
	}
	if !m.Status().Triggered {
		t.Error("episode not marked triggered after the successful retry")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	check := &failingCheck{healthy: true}
	act := &recordingActivator{}
	m := New(check.check, act, testLogger, WithPollInterval(time.Millisecond))

	ctx := context.Background()
	m.Start(ctx)
	if !m.Status().Running {
		t.Fatal("monitor not running after Start")
	}

	// Second start is a no-op, not a second loop.
	m.Start(ctx)

	time.Sleep(10 * time.Millisecond)

	m.Stop()
	if m.Status().Running {
		t.Error("monitor still running after Stop")
	}
	// Repeated stop is safe.
	m.Stop()
}
