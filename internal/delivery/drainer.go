package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"TradeGuard/internal/event"
	"TradeGuard/internal/observability"
	"TradeGuard/internal/outbox"
)

const (
	// DefaultPollInterval is how often the drain checks for pending rows.
	DefaultPollInterval = 1 * time.Second

	// DefaultBatchSize bounds one drain poll.
	DefaultBatchSize = 100
)

// Sink is where drained envelopes go. Satisfied by *Publisher; tests
// substitute a recording sink.
type Sink interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Drainer is the reference drain process: it reads pending outbox rows
// oldest-first, publishes each, and marks it processed. A crash between
// publish and mark causes redelivery, so delivery is at-least-once and
// consumers must dedupe by entry ID. Drainers are not coordinated: run one
// per deployment.
type Drainer struct {
	store    *outbox.Store
	sink     Sink
	interval time.Duration
	batch    int
	log      zerolog.Logger
	metrics  *observability.Metrics
}

type DrainerOption func(*Drainer)

// WithPollInterval overrides the 1s drain poll spacing.
func WithPollInterval(d time.Duration) DrainerOption {
	return func(dr *Drainer) { dr.interval = d }
}

// WithBatchSize overrides the per-poll row limit.
func WithBatchSize(n int) DrainerOption {
	return func(dr *Drainer) { dr.batch = n }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) DrainerOption {
	return func(dr *Drainer) { dr.metrics = m }
}

func NewDrainer(store *outbox.Store, sink Sink, log zerolog.Logger, opts ...DrainerOption) *Drainer {
	dr := &Drainer{
		store:    store,
		sink:     sink,
		interval: DefaultPollInterval,
		batch:    DefaultBatchSize,
		log:      log,
	}
	for _, opt := range opts {
		opt(dr)
	}
	return dr
}

// Run polls until ctx is cancelled. Faults are logged and the affected
// rows retried on the next poll; a bad row never stops the loop.
func (dr *Drainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(dr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			dr.drainOnce(ctx)
		}
	}
}

// drainOnce processes at most one batch.
func (dr *Drainer) drainOnce(ctx context.Context) {
	start := time.Now()

	entries, err := dr.store.FindUnprocessed(ctx, dr.batch)
	if err != nil {
		dr.log.Error().Err(err).Msg("find unprocessed outbox rows failed")
		dr.countErr("find")
		return
	}

	published := 0
	for _, e := range entries {
		if err := dr.sink.Publish(ctx, event.NewEnvelope(e)); err != nil {
			// Stop the batch: publishing in creation order preserves the
			// oldest-first guarantee for the rows behind this one.
			dr.log.Error().Err(err).Int64("entry_id", e.ID).Msg("publish failed")
			dr.countErr("publish")
			break
		}
		if err := dr.store.MarkProcessed(ctx, e.ID); err != nil {
			// The event is already published; the next poll re-publishes it
			// and the consumer dedupes by entry ID.
			dr.log.Error().Err(err).Int64("entry_id", e.ID).Msg("mark processed failed")
			dr.countErr("mark")
			break
		}
		published++
	}

	if dr.metrics != nil {
		dr.metrics.OutboxDrainDur.Observe(time.Since(start).Seconds())
		if pending, err := dr.store.CountPending(ctx); err == nil {
			dr.metrics.OutboxPending.Set(float64(pending))
		}
	}

	if published > 0 {
		dr.log.Debug().Int("published", published).Msg("drained outbox batch")
	}
}

func (dr *Drainer) countErr(stage string) {
	if dr.metrics != nil {
		dr.metrics.OutboxDrainErrs.WithLabelValues(stage).Inc()
	}
}
