package outbox_test

import (
	"context"
	"testing"

	"TradeGuard/internal/event"
	"TradeGuard/internal/outbox"
	"TradeGuard/internal/testutil"
)

// TestOutboxAtomicity verifies the core consistency property: an event row
// exists if and only if the transaction that produced it committed.
func TestOutboxAtomicity(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := outbox.NewStore(db, nil)
	ctx := context.Background()

	placed, err := event.NewOrderPlacedEntry(event.OrderPlaced{
		OrderID: "ord-rollback", UserID: "42", Symbol: "BTC-PERP", Side: "BUY", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}

	// Rolled-back transaction: the event must never surface.
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, quantity) VALUES ($1, $2, $3, $4, $5)`,
		"ord-rollback", "42", "BTC-PERP", "BUY", 1.0,
	); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := store.Create(ctx, tx, placed); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	pending, err := store.FindUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("find unprocessed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("rolled-back event visible: %+v", pending)
	}

	// Committed transaction: the event surfaces until marked processed.
	committed, err := event.NewOrderPlacedEntry(event.OrderPlaced{
		OrderID: "ord-commit", UserID: "42", Symbol: "BTC-PERP", Side: "BUY", Quantity: 1,
	})
	if err != nil {
		t.Fatalf("build entry: %v", err)
	}
	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, symbol, side, quantity) VALUES ($1, $2, $3, $4, $5)`,
		"ord-commit", "42", "BTC-PERP", "BUY", 1.0,
	); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := store.Create(ctx, tx, committed); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	pending, err = store.FindUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("find unprocessed: %v", err)
	}
	if len(pending) != 1 || pending[0].OrderID != "ord-commit" {
		t.Fatalf("pending = %+v, want the committed event only", pending)
	}

	if err := store.MarkProcessed(ctx, pending[0].ID); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	pending, err = store.FindUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("find unprocessed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("processed event still pending: %+v", pending)
	}

	n, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 0 {
		t.Errorf("pending count = %d, want 0", n)
	}
}
