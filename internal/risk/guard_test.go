package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tradesim-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

// insertClosedTrade writes one settled trade; outcomes are ordered by
// closed_at, so later calls are "more recent".
func insertClosedTrade(t *testing.T, database *db.Database, username, mode string, won bool, closedAt time.Time) {
	t.Helper()
	winning := 0
	pnl := -25.0
	if won {
		winning = 1
		pnl = 25.0
	}
	id := fmt.Sprintf("trade-%s-%s-%d", username, mode, closedAt.UnixNano())
	_, err := database.DB.Exec(`
		INSERT INTO trades (id, username, pair, direction, volume, entry_price,
		                    stop_loss_pips, take_profit_pips, hold_time_ms,
		                    account_mode, status, pnl, is_winning, opened_at, due_at, closed_at)
		VALUES (?, ?, 'EUR/USD', 'BUY', 1.0, 1.0945, 20, 40, 5000, ?, ?, ?, ?, ?, ?, ?)
	`, id, username, mode, db.TradeClosed, pnl, winning,
		closedAt.Add(-time.Minute), closedAt.Add(-time.Second), closedAt)
	if err != nil {
		t.Fatalf("insert trade: %v", err)
	}
}

func TestGuardDemoNeverCapped(t *testing.T) {
	database := newTestDB(t)
	guard := NewGuard(database.Queries(), 2)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		insertClosedTrade(t, database, "bob", db.ModeDemo, false, base.Add(time.Duration(i)*time.Minute))
	}

	d, err := guard.CheckLoss(ctx, "bob", db.ModeDemo)
	if err != nil {
		t.Fatalf("CheckLoss: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("demo accounts must never hit the loss cap: %+v", d)
	}
}

func TestGuardRealLossStreak(t *testing.T) {
	database := newTestDB(t)
	guard := NewGuard(database.Queries(), 2)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	// No history: allowed.
	d, err := guard.CheckLoss(ctx, "bob", db.ModeReal)
	if err != nil {
		t.Fatalf("CheckLoss: %v", err)
	}
	if !d.Allowed || d.ConsecutiveLosses != 0 {
		t.Fatalf("expected clean slate, got %+v", d)
	}

	// One loss: still below the cap.
	insertClosedTrade(t, database, "bob", db.ModeReal, false, base)
	d, _ = guard.CheckLoss(ctx, "bob", db.ModeReal)
	if !d.Allowed || d.ConsecutiveLosses != 1 {
		t.Fatalf("expected 1 loss and allowed, got %+v", d)
	}

	// Second loss reaches the cap: refuse further losses.
	insertClosedTrade(t, database, "bob", db.ModeReal, false, base.Add(time.Minute))
	d, _ = guard.CheckLoss(ctx, "bob", db.ModeReal)
	if d.Allowed {
		t.Fatalf("expected rejection at the cap, got %+v", d)
	}
	if d.ConsecutiveLosses != 2 || d.MaxAllowed != 2 {
		t.Fatalf("unexpected counts: %+v", d)
	}

	// A more recent win resets the streak.
	insertClosedTrade(t, database, "bob", db.ModeReal, true, base.Add(2*time.Minute))
	d, _ = guard.CheckLoss(ctx, "bob", db.ModeReal)
	if !d.Allowed || d.ConsecutiveLosses != 0 {
		t.Fatalf("win should reset the streak, got %+v", d)
	}
}

func TestGuardStreakIsolatedByUserAndMode(t *testing.T) {
	database := newTestDB(t)
	guard := NewGuard(database.Queries(), 2)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	insertClosedTrade(t, database, "bob", db.ModeReal, false, base)
	insertClosedTrade(t, database, "bob", db.ModeReal, false, base.Add(time.Minute))
	// Demo losses for the same user must not count against real.
	insertClosedTrade(t, database, "alice", db.ModeReal, false, base)

	if d, _ := guard.CheckLoss(ctx, "bob", db.ModeReal); d.Allowed {
		t.Fatalf("bob should be capped")
	}
	if d, _ := guard.CheckLoss(ctx, "alice", db.ModeReal); !d.Allowed {
		t.Fatalf("alice has only one loss, should be allowed")
	}
}
