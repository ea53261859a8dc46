package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradesim-core/pkg/db"
)

func testSettings() Settings {
	return Settings{
		DemoStartingBalance:   10000,
		RealStartingBalance:   0,
		MinDeposit:            10,
		MaxDeposit:            100000,
		MinWithdrawal:         10,
		AmlProfitFraction:     0.30,
		DefaultInitialDeposit: 10000,
	}
}

func newTestLedger(t *testing.T) (*Manager, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return NewManager(database, nil, testSettings()), database
}

func openTrade(t *testing.T, database *db.Database, id, username, mode string) *db.Trade {
	t.Helper()
	now := time.Now().UTC()
	tr := &db.Trade{
		ID:          id,
		Username:    username,
		Pair:        "EUR/USD",
		Direction:   db.DirectionBuy,
		Volume:      1,
		EntryPrice:  1.0945,
		AccountMode: mode,
		Status:      db.TradeOpen,
		OpenedAt:    now,
		DueAt:       now.Add(time.Minute),
	}
	_, err := database.DB.Exec(`
		INSERT INTO trades (id, username, pair, direction, volume, entry_price,
		                    stop_loss_pips, take_profit_pips, hold_time_ms,
		                    account_mode, status, pnl, opened_at, due_at)
		VALUES (?, ?, ?, ?, ?, ?, 20, 40, 60000, ?, ?, 0, ?, ?)
	`, tr.ID, tr.Username, tr.Pair, tr.Direction, tr.Volume, tr.EntryPrice,
		tr.AccountMode, tr.Status, tr.OpenedAt, tr.DueAt)
	if err != nil {
		t.Fatalf("insert open trade: %v", err)
	}
	return tr
}

func TestAccountSeeding(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	demo, err := m.GetAccount(ctx, "alice", db.ModeDemo)
	if err != nil {
		t.Fatalf("GetAccount demo: %v", err)
	}
	if demo.Balance != 10000 {
		t.Fatalf("demo account should seed $10000, got %.2f", demo.Balance)
	}

	real, err := m.GetAccount(ctx, "alice", db.ModeReal)
	if err != nil {
		t.Fatalf("GetAccount real: %v", err)
	}
	if real.Balance != 0 {
		t.Fatalf("real account should seed $0, got %.2f", real.Balance)
	}
}

func TestDepositBoundsAndArithmetic(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	var vErr *ValidationError
	if _, _, err := m.Deposit(ctx, "alice", db.ModeReal, 5, "card"); !errors.As(err, &vErr) {
		t.Fatalf("deposit below minimum should fail validation, got %v", err)
	}
	if _, _, err := m.Deposit(ctx, "alice", db.ModeReal, 250000, "card"); !errors.As(err, &vErr) {
		t.Fatalf("deposit above maximum should fail validation, got %v", err)
	}

	acct, rec, err := m.Deposit(ctx, "alice", db.ModeReal, 500, "card")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if acct.Balance != 500 || acct.Equity != 500 {
		t.Fatalf("balance/equity after deposit = %.2f/%.2f, want 500/500", acct.Balance, acct.Equity)
	}
	if acct.InitialDeposit != 500 {
		t.Fatalf("first real deposit should anchor initial_deposit, got %.2f", acct.InitialDeposit)
	}
	if rec.Type != db.TxDeposit || rec.Direction != db.DirCredit || rec.Status != db.StatusCompleted {
		t.Fatalf("unexpected transaction record: %+v", rec)
	}

	// Second deposit must not move the anchor.
	acct, _, err = m.Deposit(ctx, "alice", db.ModeReal, 300, "card")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if acct.Balance != 800 || acct.InitialDeposit != 500 {
		t.Fatalf("after second deposit balance=%.2f anchor=%.2f, want 800/500", acct.Balance, acct.InitialDeposit)
	}

	txs, err := database.Queries().ListTransactions(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
}

func TestWithdrawAmlGate(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := m.Deposit(ctx, "alice", db.ModeReal, 1000, "card"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// No profit yet: gate requires 30% of the $1000 anchor.
	var aml *AmlThresholdError
	_, _, err := m.Withdraw(ctx, "alice", db.ModeReal, 100, "bank", false)
	if !errors.As(err, &aml) {
		t.Fatalf("expected AML rejection, got %v", err)
	}
	if aml.Required != 300 {
		t.Fatalf("required profit = %.2f, want 300", aml.Required)
	}

	// Book enough profit through a settlement, then withdraw.
	tr := openTrade(t, database, "t1", "alice", db.ModeReal)
	if _, _, err := m.ApplySettlement(ctx, tr, 350, true, time.Now().UTC()); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	acct, w, err := m.Withdraw(ctx, "alice", db.ModeReal, 100, "bank", false)
	if err != nil {
		t.Fatalf("Withdraw after profit: %v", err)
	}
	if w.Status != db.StatusPending {
		t.Fatalf("unprivileged withdrawal should be pending, got %s", w.Status)
	}
	if acct.Balance != 1250 {
		t.Fatalf("balance after withdrawal = %.2f, want 1250", acct.Balance)
	}
}

func TestWithdrawPrivilegedCompletesImmediately(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	if _, _, err := m.Deposit(ctx, "vip", db.ModeReal, 1000, "card"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	tr := openTrade(t, database, "t1", "vip", db.ModeReal)
	if _, _, err := m.ApplySettlement(ctx, tr, 400, true, time.Now().UTC()); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	_, w, err := m.Withdraw(ctx, "vip", db.ModeReal, 200, "bank", true)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if w.Status != db.StatusCompleted {
		t.Fatalf("privileged real withdrawal should complete, got %s", w.Status)
	}

	// Completed withdrawals never show up in the admin review queue.
	pending, err := database.Queries().ListPendingWithdrawals(ctx)
	if err != nil {
		t.Fatalf("ListPendingWithdrawals: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty review queue, got %d", len(pending))
	}
}

func TestWithdrawDemoAlwaysPending(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	// Demo seeds $10000; no AML gate applies.
	_, w, err := m.Withdraw(ctx, "alice", db.ModeDemo, 100, "bank", true)
	if err != nil {
		t.Fatalf("Withdraw demo: %v", err)
	}
	if w.Status != db.StatusPending {
		t.Fatalf("demo withdrawal should stay pending even for privileged users, got %s", w.Status)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	var insuff *InsufficientFundsError
	_, _, err := m.Withdraw(ctx, "alice", db.ModeDemo, 50000, "bank", false)
	if !errors.As(err, &insuff) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if insuff.Available != 10000 {
		t.Fatalf("available = %.2f, want 10000", insuff.Available)
	}
}

func TestApplySettlementIsIdempotent(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	tr := openTrade(t, database, "t1", "alice", db.ModeDemo)
	acct, rec, err := m.ApplySettlement(ctx, tr, 120.50, true, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}
	if rec.Type != db.TxTradeWin || rec.Amount != 120.50 {
		t.Fatalf("unexpected settlement record: %+v", rec)
	}
	if acct.Balance != 10120.50 {
		t.Fatalf("balance = %.2f, want 10120.50", acct.Balance)
	}
	if acct.CumulativePnl != 120.50 {
		t.Fatalf("cumulative pnl = %.2f, want 120.50", acct.CumulativePnl)
	}

	var settled *AlreadySettledError
	if _, _, err := m.ApplySettlement(ctx, tr, 99, true, time.Now().UTC()); !errors.As(err, &settled) {
		t.Fatalf("second settlement should fail with AlreadySettledError, got %v", err)
	}

	// Balance untouched by the rejected double settlement.
	acct, err = m.GetAccount(ctx, "alice", db.ModeDemo)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 10120.50 {
		t.Fatalf("balance after double settle = %.2f, want 10120.50", acct.Balance)
	}

	got, err := database.Queries().GetTrade(ctx, "alice", "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if !got.IsClosed() || got.Pnl != 120.50 {
		t.Fatalf("trade row not settled correctly: %+v", got)
	}
	if got.IsWinning == nil || !*got.IsWinning {
		t.Fatalf("trade should record a win")
	}
}

func TestApplySettlementLossTransaction(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	tr := openTrade(t, database, "t1", "alice", db.ModeDemo)
	_, ret, err := m.ApplySettlement(ctx, tr, -75.25, false, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}

	txs, err := database.Queries().ListTransactions(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	rec := txs[0]
	if ret.ID != rec.ID {
		t.Fatalf("returned record %s should match the stored row %s", ret.ID, rec.ID)
	}
	if rec.Type != db.TxTradeLoss || rec.Direction != db.DirDebit {
		t.Fatalf("unexpected loss record: %+v", rec)
	}
	// Amounts are stored unsigned; direction carries the sign.
	if rec.Amount != 75.25 {
		t.Fatalf("loss amount = %.2f, want 75.25", rec.Amount)
	}
	if rec.TradeID != "t1" {
		t.Fatalf("transaction should back-reference the trade, got %q", rec.TradeID)
	}
}

func TestApproveWithdrawal(t *testing.T) {
	m, database := newTestLedger(t)
	ctx := context.Background()

	_, w, err := m.Withdraw(ctx, "alice", db.ModeDemo, 100, "bank", false)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	approved, err := m.ApproveWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatalf("ApproveWithdrawal: %v", err)
	}
	if approved.Status != db.StatusApproved {
		t.Fatalf("status = %s, want approved", approved.Status)
	}

	// A second approval is rejected.
	var vErr *ValidationError
	if _, err := m.ApproveWithdrawal(ctx, w.ID); !errors.As(err, &vErr) {
		t.Fatalf("double approval should fail validation, got %v", err)
	}
	if _, err := m.ApproveWithdrawal(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("unknown id should return ErrNotFound, got %v", err)
	}

	txs, _ := database.Queries().ListTransactions(ctx, "alice", 10)
	if len(txs) != 2 {
		t.Fatalf("expected withdrawal + approval records, got %d", len(txs))
	}
	if txs[0].Type != db.TxWithdrawalApproved {
		t.Fatalf("newest transaction should be the approval, got %s", txs[0].Type)
	}
}

func TestRecordPaymentEvent(t *testing.T) {
	m, _ := newTestLedger(t)
	ctx := context.Background()

	rec, err := m.RecordPaymentEvent(ctx, "alice", db.ModeReal, 250, db.TxDepositFailed, db.StatusFailed, "pay-123")
	if err != nil {
		t.Fatalf("RecordPaymentEvent: %v", err)
	}
	if rec.PaymentID != "pay-123" || rec.Status != db.StatusFailed {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// Record-only: the account balance must not move.
	acct, err := m.GetAccount(ctx, "alice", db.ModeReal)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 0 {
		t.Fatalf("failed deposit must not credit the balance, got %.2f", acct.Balance)
	}
}
