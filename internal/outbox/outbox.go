package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"TradeGuard/internal/observability"
)

// ErrNoTransaction is returned when Create is called without the enclosing
// transaction. The row must commit or roll back with the state change that
// produced the event; there is no unguarded insert path.
var ErrNoTransaction = errors.New("outbox: create requires the enclosing transaction")

// Entry is one portfolio event awaiting delivery to the downstream
// accounting service. Rows are immutable except for processed_at, which
// transitions null to timestamp exactly once.
type Entry struct {
	ID          int64
	EventType   string
	UserID      string
	Symbol      string
	OrderID     string
	FillID      *string
	Data        []byte // JSON payload
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Store reads and writes portfolio_event_outbox rows. Writers only insert
// and the drain only reads pending rows, so the two paths never contend.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewStore(db *sql.DB, metrics *observability.Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// Create inserts one event row inside tx. The event exists if and only if
// the enclosing transaction commits, which closes the dual-write race with
// the delivery channel.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, e *Entry) error {
	if tx == nil {
		return ErrNoTransaction
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO portfolio_event_outbox
			(event_type, user_id, symbol, order_id, fill_id, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.EventType, e.UserID, e.Symbol, e.OrderID, e.FillID, e.Data,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	if s.metrics != nil {
		s.metrics.OutboxCreated.WithLabelValues(e.EventType).Inc()
	}
	return nil
}

// FindUnprocessed returns pending rows oldest-created-first, bounded by
// limit. Intended for the external drain process.
func (s *Store) FindUnprocessed(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, user_id, symbol, order_id, fill_id, data, created_at
		FROM portfolio_event_outbox
		WHERE processed_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.UserID, &e.Symbol,
			&e.OrderID, &e.FillID, &e.Data, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

// MarkProcessed stamps processed_at on one row. Idempotent: a second call
// matches zero rows and succeeds, so a drain crash between delivery and
// mark only causes redelivery, never an error loop.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE portfolio_event_outbox
		SET processed_at = NOW()
		WHERE id = $1 AND processed_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox entry %d processed: %w", id, err)
	}

	if s.metrics != nil {
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.metrics.OutboxProcessed.Inc()
		}
	}
	return nil
}

// CountPending returns the number of unprocessed rows, for the drain's
// pending gauge.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM portfolio_event_outbox WHERE processed_at IS NULL`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return n, nil
}
