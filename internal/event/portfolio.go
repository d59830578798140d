package event

import (
	"encoding/json"
	"fmt"
	"time"

	"TradeGuard/internal/outbox"
)

// Portfolio event types delivered to the downstream accounting service.
const (
	TypeOrderPlaced    = "order_placed"
	TypeOrderFilled    = "order_filled"
	TypePositionClosed = "position_closed"
)

// OrderPlaced is emitted when a new order is accepted.
type OrderPlaced struct {
	OrderID  string  `json:"order_id"`
	UserID   string  `json:"user_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
}

// OrderFilled is emitted per fill.
type OrderFilled struct {
	OrderID   string  `json:"order_id"`
	FillID    string  `json:"fill_id"`
	UserID    string  `json:"user_id"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	FillPrice float64 `json:"fill_price"`
}

// PositionClosed is emitted when a position is fully closed.
type PositionClosed struct {
	OrderID     string  `json:"order_id"`
	UserID      string  `json:"user_id"`
	Symbol      string  `json:"symbol"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// NewOrderPlacedEntry builds an outbox entry for an accepted order.
func NewOrderPlacedEntry(e OrderPlaced) (*outbox.Entry, error) {
	return newEntry(TypeOrderPlaced, e.UserID, e.Symbol, e.OrderID, nil, e)
}

// NewOrderFilledEntry builds an outbox entry for a fill.
func NewOrderFilledEntry(e OrderFilled) (*outbox.Entry, error) {
	fillID := e.FillID
	return newEntry(TypeOrderFilled, e.UserID, e.Symbol, e.OrderID, &fillID, e)
}

// NewPositionClosedEntry builds an outbox entry for a closed position.
func NewPositionClosedEntry(e PositionClosed) (*outbox.Entry, error) {
	return newEntry(TypePositionClosed, e.UserID, e.Symbol, e.OrderID, nil, e)
}

func newEntry(eventType, userID, symbol, orderID string, fillID *string, payload interface{}) (*outbox.Entry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &outbox.Entry{
		EventType: eventType,
		UserID:    userID,
		Symbol:    symbol,
		OrderID:   orderID,
		FillID:    fillID,
		Data:      data,
	}, nil
}

// Envelope is the wire form the drain publishes to the accounting service.
// EntryID is the consumer's dedup key: delivery is at-least-once.
type Envelope struct {
	EntryID   int64           `json:"entry_id"`
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	OrderID   string          `json:"order_id"`
	FillID    *string         `json:"fill_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope wraps a stored outbox entry for publishing.
func NewEnvelope(e outbox.Entry) Envelope {
	return Envelope{
		EntryID:   e.ID,
		EventType: e.EventType,
		UserID:    e.UserID,
		Symbol:    e.Symbol,
		OrderID:   e.OrderID,
		FillID:    e.FillID,
		Payload:   e.Data,
		CreatedAt: e.CreatedAt,
	}
}
