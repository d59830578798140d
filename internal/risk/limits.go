package risk

import (
	"context"
	"errors"
)

// ErrNoLimits is returned by a LimitsStore when neither a symbol-specific
// nor an account-wide row exists. No limits configured means no trading is
// permitted for that instrument.
var ErrNoLimits = errors.New("risk: no limits configured")

// Limits are the configured bounds for a (user, symbol) pair. Symbol is nil
// for an account-wide row. Owned by the external limits store; read-only
// from this core.
type Limits struct {
	UserID          string  `json:"user_id"`
	Symbol          *string `json:"symbol,omitempty"`
	MaxPositionSize float64 `json:"max_position_size"`
	MaxExposureUSD  float64 `json:"max_exposure_usd"`
	MaxDailyLossUSD float64 `json:"max_daily_loss_usd"`
}

// LimitsStore loads configured limits. Implementations must prefer the
// symbol-specific row and fall back to the account-wide row.
type LimitsStore interface {
	Load(ctx context.Context, userID, symbol string) (*Limits, error)
}
