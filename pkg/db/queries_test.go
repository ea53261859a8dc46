package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func insertTrade(t *testing.T, d *Database, id, username, mode, status string, openedAt time.Time) {
	t.Helper()
	var closedAt any
	var winning any
	if status == TradeClosed {
		closedAt = openedAt.Add(time.Minute)
		winning = 1
	}
	_, err := d.DB.Exec(`
		INSERT INTO trades (id, username, pair, direction, volume, entry_price,
		                    stop_loss_pips, take_profit_pips, hold_time_ms,
		                    account_mode, status, pnl, is_winning, opened_at, due_at, closed_at)
		VALUES (?, ?, 'EUR/USD', 'BUY', 1, 1.0945, 20, 40, 60000, ?, ?, 10, ?, ?, ?, ?)
	`, id, username, mode, status, winning, openedAt, openedAt.Add(time.Minute), closedAt)
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
}

func TestUserQueriesRequireUsername(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()

	t.Run("GetTrade requires username", func(t *testing.T) {
		if _, err := q.GetTrade(ctx, "", "t1"); err != ErrUsernameRequired {
			t.Errorf("expected ErrUsernameRequired, got %v", err)
		}
	})

	t.Run("ListTrades requires username", func(t *testing.T) {
		if _, err := q.ListTrades(ctx, "", ModeDemo, "", 100); err != ErrUsernameRequired {
			t.Errorf("expected ErrUsernameRequired, got %v", err)
		}
	})

	t.Run("ListTransactions requires username", func(t *testing.T) {
		if _, err := q.ListTransactions(ctx, "", 100); err != ErrUsernameRequired {
			t.Errorf("expected ErrUsernameRequired, got %v", err)
		}
	})

	t.Run("ClosedOutcomesNewestFirst requires username", func(t *testing.T) {
		if _, err := q.ClosedOutcomesNewestFirst(ctx, "", ModeReal, 3); err != ErrUsernameRequired {
			t.Errorf("expected ErrUsernameRequired, got %v", err)
		}
	})
}

func TestTradeQueriesDataIsolation(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	insertTrade(t, database, "a1", "alice", ModeDemo, TradeOpen, now)
	insertTrade(t, database, "a2", "alice", ModeDemo, TradeClosed, now.Add(time.Second))
	insertTrade(t, database, "b1", "bob", ModeDemo, TradeOpen, now)

	// Alice never sees Bob's trade, by id or in listings.
	if _, err := q.GetTrade(ctx, "alice", "b1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for cross-user access, got %v", err)
	}

	trades, err := q.ListTrades(ctx, "alice", ModeDemo, "", 100)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades for alice, got %d", len(trades))
	}
	for _, tr := range trades {
		if tr.Username != "alice" {
			t.Fatalf("leaked foreign trade: %+v", tr)
		}
	}

	open, err := q.ListTrades(ctx, "alice", ModeDemo, TradeOpen, 100)
	if err != nil {
		t.Fatalf("ListTrades open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "a1" {
		t.Fatalf("status filter failed: %+v", open)
	}
}

func TestListTradesOrderAndLimit(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"t1", "t2", "t3"} {
		insertTrade(t, database, id, "alice", ModeDemo, TradeOpen, base.Add(time.Duration(i)*time.Second))
	}

	trades, err := q.ListTrades(ctx, "alice", ModeDemo, "", 2)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("limit ignored, got %d trades", len(trades))
	}
	if trades[0].ID != "t3" || trades[1].ID != "t2" {
		t.Fatalf("expected newest first, got %s then %s", trades[0].ID, trades[1].ID)
	}
}

func TestListDueTrades(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	ctx := context.Background()
	now := time.Now().UTC()

	insertTrade(t, database, "open1", "alice", ModeDemo, TradeOpen, now)
	insertTrade(t, database, "open2", "bob", ModeReal, TradeOpen, now.Add(time.Second))
	insertTrade(t, database, "done", "alice", ModeDemo, TradeClosed, now)

	due, err := q.ListDueTrades(ctx)
	if err != nil {
		t.Fatalf("ListDueTrades: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 open trades across users, got %d", len(due))
	}
	for _, tr := range due {
		if tr.Status != TradeOpen {
			t.Fatalf("closed trade in due scan: %+v", tr)
		}
	}
}
