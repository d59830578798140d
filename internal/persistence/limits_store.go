package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"TradeGuard/internal/risk"
)

// PostgresLimitsStore reads configured risk limits. The rows are owned by
// the external limits service; this core never writes them.
type PostgresLimitsStore struct {
	db *sql.DB
}

func NewPostgresLimitsStore(db *sql.DB) *PostgresLimitsStore {
	return &PostgresLimitsStore{db: db}
}

// Load returns the limits for (userID, symbol): the symbol-specific row if
// one exists, otherwise the account-wide row (NULL symbol), otherwise
// risk.ErrNoLimits. A single query, symbol-specific rows sorted first.
func (s *PostgresLimitsStore) Load(ctx context.Context, userID, symbol string) (*risk.Limits, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, symbol, max_position_size, max_exposure_usd, max_daily_loss_usd
		FROM risk_limits
		WHERE user_id = $1 AND (symbol = $2 OR symbol IS NULL)
		ORDER BY symbol NULLS LAST
		LIMIT 1`,
		userID, symbol,
	)

	var limits risk.Limits
	err := row.Scan(
		&limits.UserID, &limits.Symbol,
		&limits.MaxPositionSize, &limits.MaxExposureUSD, &limits.MaxDailyLossUSD,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, risk.ErrNoLimits
	}
	if err != nil {
		return nil, fmt.Errorf("load risk limits %s/%s: %w", userID, symbol, err)
	}
	return &limits, nil
}
