package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/clock"
	"TradeGuard/internal/killswitch"
	"TradeGuard/internal/observability"
)

const (
	// DefaultPollInterval is the spacing between health checks.
	DefaultPollInterval = 5 * time.Second

	// DefaultDowntimeThreshold is how long a dependency must stay unhealthy
	// before the kill switch is engaged.
	DefaultDowntimeThreshold = 30 * time.Second

	// DefaultCheckTimeout bounds a single injected health check call, so a
	// hanging dependency cannot stall the poll loop.
	DefaultCheckTimeout = 4 * time.Second
)

// CheckFunc probes the critical dependency. A nil return is a healthy
// observation; anything else is unhealthy.
type CheckFunc func(ctx context.Context) error

// Activator is the kill switch surface the monitor needs. Satisfied by
// *killswitch.Switch.
type Activator interface {
	Activate(ctx context.Context, reason, actor string) error
}

// Status is a snapshot of the monitor for observability and tests.
type Status struct {
	Running        bool
	FirstFailureAt *time.Time
	Triggered      bool
}

// Monitor polls the risk-limits dependency and auto-engages the kill
// switch after sustained unavailability. One contiguous downtime episode
// triggers at most one activation; a single healthy observation closes the
// episode and the next one must accumulate the full threshold again.
type Monitor struct {
	check     CheckFunc
	activator Activator
	interval  time.Duration
	threshold time.Duration
	timeout   time.Duration
	clk       clock.Clock
	log       zerolog.Logger
	metrics   *observability.Metrics

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	firstFailureAt *time.Time
	triggered      bool
}

type Option func(*Monitor)

// WithPollInterval overrides the 5s poll spacing.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithDowntimeThreshold overrides the 30s trigger threshold.
func WithDowntimeThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.threshold = d }
}

// WithCheckTimeout overrides the per-check timeout.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithClock injects a clock for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) { m.clk = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(met *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

func New(check CheckFunc, activator Activator, log zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		check:     check,
		activator: activator,
		interval:  DefaultPollInterval,
		threshold: DefaultDowntimeThreshold,
		timeout:   DefaultCheckTimeout,
		clk:       clock.Real{},
		log:       log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the poll loop. Idempotent: a second call while running
// logs and no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn().Msg("monitor already running; ignoring start")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.log.Info().Dur("interval", m.interval).Dur("threshold", m.threshold).
		Msg("dependency health monitor started")

	go m.loop(loopCtx, done)
}

// Stop cancels future polls. Safe to call repeatedly; it waits for an
// in-flight check to return rather than interrupting it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Info().Msg("dependency health monitor stopped")
}

// Status returns the current monitor state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first *time.Time
	if m.firstFailureAt != nil {
		t := *m.firstFailureAt
		first = &t
	}
	return Status{
		Running:        m.running,
		FirstFailureAt: first,
		Triggered:      m.triggered,
	}
}

// loop is strictly single-flight: the next tick is not serviced until the
// previous observation returns.
func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

// observe runs one health check and advances the episode state machine.
// Check and activation faults are logged and swallowed: uninterrupted
// monitoring is itself a safety property.
func (m *Monitor) observe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	err := m.runCheck(checkCtx)
	cancel()

	if m.metrics != nil {
		m.metrics.WatchdogCheckDur.Observe(time.Since(start).Seconds())
	}

	if err == nil {
		m.recordHealthy()
		return
	}
	m.recordUnhealthy(ctx, err)
}

// runCheck guards against a panicking injected check function.
func (m *Monitor) runCheck(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return m.check(ctx)
}

func (m *Monitor) recordHealthy() {
	m.mu.Lock()
	hadEpisode := m.firstFailureAt != nil
	var episodeLen time.Duration
	if hadEpisode {
		episodeLen = m.clk.Now().Sub(*m.firstFailureAt)
	}
	m.firstFailureAt = nil
	m.triggered = false
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WatchdogChecks.WithLabelValues("healthy").Inc()
	}
	if hadEpisode {
		m.log.Info().Dur("episode", episodeLen).Msg("dependency recovered; downtime episode closed")
		if m.metrics != nil {
			m.metrics.WatchdogEpisodeLen.Observe(episodeLen.Seconds())
		}
	}
}

func (m *Monitor) recordUnhealthy(ctx context.Context, checkErr error) {
	if m.metrics != nil {
		m.metrics.WatchdogChecks.WithLabelValues("unhealthy").Inc()
	}

	now := m.clk.Now()

	m.mu.Lock()
	if m.firstFailureAt == nil {
		t := now
		m.firstFailureAt = &t
		m.mu.Unlock()
		m.log.Warn().Err(checkErr).Msg("dependency unhealthy; downtime episode opened")
		return
	}

	elapsed := now.Sub(*m.firstFailureAt)
	shouldTrigger := elapsed >= m.threshold && !m.triggered
	m.mu.Unlock()

	if !shouldTrigger {
		m.log.Warn().Err(checkErr).Dur("elapsed", elapsed).Msg("dependency still unhealthy")
		return
	}

	m.log.Error().Dur("elapsed", elapsed).
		Msg("downtime threshold exceeded; engaging kill switch")

	if err := m.activator.Activate(ctx, killswitch.ReasonRiskServiceDown, killswitch.ActorSystem); err != nil {
		// Not marked triggered: the next unhealthy poll retries activation.
		m.log.Error().Err(err).Msg("kill switch activation failed")
		return
	}

	// The loop is single-flight, so marking after a successful activation
	// cannot double-fire within an episode.
	m.mu.Lock()
	m.triggered = true
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.WatchdogTriggered.Inc()
	}
}
