package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"TradeGuard/internal/event"
	"TradeGuard/internal/guard"
	"TradeGuard/internal/killswitch"
	"TradeGuard/internal/outbox"
	"TradeGuard/internal/risk"
)

// PlaceOrderRequest is the trade API input. Position fields come from the
// caller's position service; the validator fingerprints them so a stale
// snapshot cannot reuse an approval.
type PlaceOrderRequest struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price,omitempty"`
	CurrentPosition float64 `json:"current_position"`
	PositionVersion int64   `json:"position_version"`
}

// Order is the persisted row for an accepted order.
type Order struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderService is the state-mutating trade path: kill switch first, then
// risk validation, then the order insert and its outbox event in one
// transaction.
type OrderService struct {
	db         *sql.DB
	outbox     *outbox.Store
	validator  *risk.Validator
	killSwitch *killswitch.Switch
	log        zerolog.Logger
}

func NewOrderService(
	db *sql.DB,
	ob *outbox.Store,
	validator *risk.Validator,
	killSwitch *killswitch.Switch,
	log zerolog.Logger,
) *OrderService {
	return &OrderService{
		db:         db,
		outbox:     ob,
		validator:  validator,
		killSwitch: killSwitch,
		log:        log,
	}
}

// PlaceOrder runs the full safety pipeline for one order. The returned
// risk.Rejection is a business decision, not an error.
func (s *OrderService) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*Order, *risk.Rejection, error) {
	if err := s.killSwitch.CheckHalted(ctx); err != nil {
		return nil, nil, err
	}

	verdict, err := s.validator.Validate(ctx, risk.Request{
		UserID:          userID,
		Symbol:          req.Symbol,
		Side:            risk.Side(req.Side),
		Quantity:        req.Quantity,
		CurrentPosition: req.CurrentPosition,
		PositionVersion: req.PositionVersion,
	})
	if err != nil {
		return nil, nil, err
	}
	if !verdict.Approved {
		return nil, verdict.Rejection, nil
	}

	order := &Order{
		ID:       uuid.NewString(),
		UserID:   userID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
	}

	entry, err := event.NewOrderPlacedEntry(event.OrderPlaced{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Quantity: order.Quantity,
		Price:    order.Price,
	})
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin order tx: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (id, user_id, symbol, side, quantity, price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		order.ID, order.UserID, order.Symbol, order.Side, order.Quantity, order.Price,
	).Scan(&order.CreatedAt)
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("insert order: %w", err)
	}

	// Same transaction as the state change: the event exists iff the order
	// committed.
	if err := s.outbox.Create(ctx, tx, entry); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit order tx: %w", err)
	}

	s.log.Info().Str("order_id", order.ID).Str("user_id", userID).
		Str("symbol", order.Symbol).Msg("order accepted")
	return order, nil, nil
}

type orderHandlers struct {
	orders *OrderService
}

func (h *orderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	userID := guard.PrincipalFromContext(r.Context())

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON")
		return
	}
	if req.Symbol == "" || req.Quantity <= 0 ||
		(req.Side != string(risk.SideBuy) && req.Side != string(risk.SideSell)) {
		writeError(w, http.StatusBadRequest, "INVALID_ORDER", "symbol, positive quantity, and side BUY|SELL are required")
		return
	}

	order, rejection, err := h.orders.PlaceOrder(r.Context(), userID, req)
	switch {
	case errors.Is(err, killswitch.ErrHalted):
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_HALTED", err.Error())
	case errors.Is(err, killswitch.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "halt state unreadable; failing closed")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "order could not be safely processed")
	case rejection != nil:
		writeJSON(w, http.StatusUnprocessableEntity, rejection)
	default:
		writeJSON(w, http.StatusCreated, order)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}
