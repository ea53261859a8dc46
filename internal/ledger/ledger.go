// Package ledger owns account balances and the append-only transaction
// history. All mutations to an account go through here, serialized per
// (username, mode) so concurrent deposits, withdrawals and settlements
// never interleave on the same row.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesim-core/internal/events"
	"tradesim-core/pkg/db"
)

// Settings are the deposit/withdrawal policy knobs.
type Settings struct {
	DemoStartingBalance float64
	RealStartingBalance float64
	MinDeposit          float64
	MaxDeposit          float64
	MinWithdrawal       float64
	AmlProfitFraction   float64
	// DefaultInitialDeposit anchors the AML gate when no real deposit has
	// been recorded, so the required profit can never be zero.
	DefaultInitialDeposit float64
}

// Manager is the account ledger.
type Manager struct {
	db  *sql.DB
	bus *events.Bus
	cfg Settings

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the ledger on top of an opened database.
func NewManager(database *db.Database, bus *events.Bus, cfg Settings) *Manager {
	return &Manager{
		db:    database.DB,
		bus:   bus,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

// LockAccount serializes access to one (username, mode) ledger row and
// returns the unlock function. The settlement engine holds it across the
// loss-cap check and ApplySettlement so the streak cannot move in between.
func (m *Manager) LockAccount(username, mode string) func() {
	key := username + "/" + mode
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// GetAccount returns the user's account for a mode, creating it with the
// mode's starting balance on first touch.
func (m *Manager) GetAccount(ctx context.Context, username, mode string) (*db.Account, error) {
	if username == "" {
		return nil, db.ErrUsernameRequired
	}
	unlock := m.LockAccount(username, mode)
	defer unlock()

	if err := m.ensureAccount(ctx, m.db, username, mode); err != nil {
		return nil, err
	}
	return m.getAccount(ctx, m.db, username, mode)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Manager) ensureAccount(ctx context.Context, q execQuerier, username, mode string) error {
	starting := m.cfg.RealStartingBalance
	if mode == db.ModeDemo {
		starting = m.cfg.DemoStartingBalance
	}
	now := time.Now().UTC()
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (username, mode, balance, equity, cumulative_pnl, initial_deposit, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(username, mode) DO NOTHING
	`, username, mode, starting, starting, now, now)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (m *Manager) getAccount(ctx context.Context, q execQuerier, username, mode string) (*db.Account, error) {
	var a db.Account
	err := q.QueryRowContext(ctx, `
		SELECT username, mode, balance, equity, cumulative_pnl, initial_deposit, created_at, updated_at
		FROM accounts WHERE username = ? AND mode = ?
	`, username, mode).Scan(&a.Username, &a.Mode, &a.Balance, &a.Equity,
		&a.CumulativePnl, &a.InitialDeposit, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// Deposit credits the account and appends a completed deposit transaction.
func (m *Manager) Deposit(ctx context.Context, username, mode string, amount float64, method string) (*db.Account, *db.Transaction, error) {
	if username == "" {
		return nil, nil, db.ErrUsernameRequired
	}
	if amount < m.cfg.MinDeposit {
		return nil, nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("minimum deposit is $%.2f", m.cfg.MinDeposit)}
	}
	if amount > m.cfg.MaxDeposit {
		return nil, nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("maximum deposit is $%.2f", m.cfg.MaxDeposit)}
	}

	unlock := m.LockAccount(username, mode)
	defer unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin deposit: %w", err)
	}
	defer tx.Rollback()

	if err := m.ensureAccount(ctx, tx, username, mode); err != nil {
		return nil, nil, err
	}
	acct, err := m.getAccount(ctx, tx, username, mode)
	if err != nil {
		return nil, nil, err
	}

	acct.Balance += amount
	acct.Equity = acct.Balance
	// First real deposit anchors the AML profit target.
	if mode == db.ModeReal && acct.InitialDeposit == 0 {
		acct.InitialDeposit = amount
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, equity = ?, initial_deposit = ?, updated_at = ?
		WHERE username = ? AND mode = ?
	`, acct.Balance, acct.Equity, acct.InitialDeposit, now, username, mode); err != nil {
		return nil, nil, fmt.Errorf("update account: %w", err)
	}

	rec := db.Transaction{
		ID:          uuid.NewString(),
		Username:    username,
		Type:        db.TxDeposit,
		Amount:      amount,
		Direction:   db.DirCredit,
		AccountMode: mode,
		Status:      db.StatusCompleted,
		Method:      method,
		CreatedAt:   now,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit deposit: %w", err)
	}

	log.Printf("[LEDGER] 💰 Deposit $%.2f -> %s/%s (balance $%.2f)", amount, username, mode, acct.Balance)
	m.publish(events.EventDepositRecorded, rec)
	m.publish(events.EventBalanceUpdated, *acct)
	return acct, &rec, nil
}

// Withdraw debits the account and records a withdrawal request. Real
// accounts must clear the AML profit gate first; privileged users on real
// accounts complete immediately, everyone else waits for admin review.
func (m *Manager) Withdraw(ctx context.Context, username, mode string, amount float64, method string, privileged bool) (*db.Account, *db.Withdrawal, error) {
	if username == "" {
		return nil, nil, db.ErrUsernameRequired
	}
	if amount < m.cfg.MinWithdrawal {
		return nil, nil, &ValidationError{Field: "amount", Reason: fmt.Sprintf("minimum withdrawal is $%.2f", m.cfg.MinWithdrawal)}
	}

	unlock := m.LockAccount(username, mode)
	defer unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin withdrawal: %w", err)
	}
	defer tx.Rollback()

	if err := m.ensureAccount(ctx, tx, username, mode); err != nil {
		return nil, nil, err
	}
	acct, err := m.getAccount(ctx, tx, username, mode)
	if err != nil {
		return nil, nil, err
	}
	if amount > acct.Balance {
		return nil, nil, &InsufficientFundsError{Requested: amount, Available: acct.Balance}
	}

	if mode == db.ModeReal {
		initial := acct.InitialDeposit
		if initial == 0 {
			initial = m.cfg.DefaultInitialDeposit
		}
		required := initial * m.cfg.AmlProfitFraction
		if acct.CumulativePnl < required {
			return nil, nil, &AmlThresholdError{Required: required, Actual: acct.CumulativePnl}
		}
	}

	status := db.StatusPending
	if mode == db.ModeReal && privileged {
		status = db.StatusCompleted
	}

	acct.Balance -= amount
	acct.Equity = acct.Balance
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, equity = ?, updated_at = ?
		WHERE username = ? AND mode = ?
	`, acct.Balance, acct.Equity, now, username, mode); err != nil {
		return nil, nil, fmt.Errorf("update account: %w", err)
	}

	w := db.Withdrawal{
		ID:          uuid.NewString(),
		Username:    username,
		Amount:      amount,
		Method:      method,
		AccountMode: mode,
		Status:      status,
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO withdrawals (id, username, amount, method, account_mode, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Username, w.Amount, w.Method, w.AccountMode, w.Status, w.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	rec := db.Transaction{
		ID:          uuid.NewString(),
		Username:    username,
		Type:        db.TxWithdrawal,
		Amount:      amount,
		Direction:   db.DirDebit,
		AccountMode: mode,
		Status:      status,
		Method:      method,
		CreatedAt:   now,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit withdrawal: %w", err)
	}

	log.Printf("[LEDGER] 💸 Withdrawal $%.2f from %s/%s (%s, balance $%.2f)", amount, username, mode, status, acct.Balance)
	m.publish(events.EventWithdrawalRequested, w)
	m.publish(events.EventBalanceUpdated, *acct)
	return acct, &w, nil
}

// ApplySettlement atomically closes a trade and books its P&L: trade row,
// account balance and transaction history move in one SQL transaction, and
// the appended transaction record is returned alongside the account.
// A trade already closed returns AlreadySettledError and changes nothing.
// The caller serializes per-account access via LockAccount.
func (m *Manager) ApplySettlement(ctx context.Context, t *db.Trade, pnl float64, won bool, closedAt time.Time) (*db.Account, *db.Transaction, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	winning := 0
	if won {
		winning = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET status = ?, pnl = ?, is_winning = ?, closed_at = ?
		WHERE id = ? AND status = ?
	`, db.TradeClosed, pnl, winning, closedAt, t.ID, db.TradeOpen)
	if err != nil {
		return nil, nil, fmt.Errorf("close trade: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, fmt.Errorf("close trade: %w", err)
	} else if n == 0 {
		return nil, nil, &AlreadySettledError{TradeID: t.ID}
	}

	if err := m.ensureAccount(ctx, tx, t.Username, t.AccountMode); err != nil {
		return nil, nil, err
	}
	acct, err := m.getAccount(ctx, tx, t.Username, t.AccountMode)
	if err != nil {
		return nil, nil, err
	}
	acct.Balance += pnl
	acct.Equity = acct.Balance
	acct.CumulativePnl += pnl
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, equity = ?, cumulative_pnl = ?, updated_at = ?
		WHERE username = ? AND mode = ?
	`, acct.Balance, acct.Equity, acct.CumulativePnl, closedAt, t.Username, t.AccountMode); err != nil {
		return nil, nil, fmt.Errorf("update account: %w", err)
	}

	txType := db.TxTradeWin
	dir := db.DirCredit
	amount := pnl
	if !won {
		txType = db.TxTradeLoss
		dir = db.DirDebit
		amount = -pnl
	}
	rec := db.Transaction{
		ID:          uuid.NewString(),
		Username:    t.Username,
		Type:        txType,
		Amount:      amount,
		Direction:   dir,
		AccountMode: t.AccountMode,
		Status:      db.StatusCompleted,
		TradeID:     t.ID,
		CreatedAt:   closedAt,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit settlement: %w", err)
	}

	m.publish(events.EventBalanceUpdated, *acct)
	return acct, &rec, nil
}

// ApproveWithdrawal marks a pending withdrawal approved and appends the
// approval record. The balance was already deducted at request time.
func (m *Manager) ApproveWithdrawal(ctx context.Context, id string) (*db.Withdrawal, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin approval: %w", err)
	}
	defer tx.Rollback()

	var w db.Withdrawal
	err = tx.QueryRowContext(ctx, `
		SELECT id, username, amount, COALESCE(method, ''), account_mode, status, created_at
		FROM withdrawals WHERE id = ?
	`, id).Scan(&w.ID, &w.Username, &w.Amount, &w.Method, &w.AccountMode, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	if w.Status != db.StatusPending {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("withdrawal is %s, not pending", w.Status)}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET status = ? WHERE id = ?
	`, db.StatusApproved, id); err != nil {
		return nil, fmt.Errorf("update withdrawal: %w", err)
	}
	w.Status = db.StatusApproved

	rec := db.Transaction{
		ID:          uuid.NewString(),
		Username:    w.Username,
		Type:        db.TxWithdrawalApproved,
		Amount:      w.Amount,
		Direction:   db.DirDebit,
		AccountMode: w.AccountMode,
		Status:      db.StatusApproved,
		Method:      w.Method,
		CreatedAt:   now,
	}
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit approval: %w", err)
	}

	log.Printf("[LEDGER] ✅ Withdrawal %s approved for %s ($%.2f)", w.ID, w.Username, w.Amount)
	m.publish(events.EventWithdrawalApproved, w)
	return &w, nil
}

// RecordPaymentEvent appends a record-only transaction from the payment
// provider (failed or cancelled deposits). No balance change.
func (m *Manager) RecordPaymentEvent(ctx context.Context, username, mode string, amount float64, txType, status, paymentID string) (*db.Transaction, error) {
	if username == "" {
		return nil, db.ErrUsernameRequired
	}
	rec := db.Transaction{
		ID:          uuid.NewString(),
		Username:    username,
		Type:        txType,
		Amount:      amount,
		Direction:   db.DirCredit,
		AccountMode: mode,
		Status:      status,
		PaymentID:   paymentID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertTransaction(ctx, m.db, rec); err != nil {
		return nil, err
	}
	log.Printf("[LEDGER] ⚠️ Payment event %s for %s (payment %s)", txType, username, paymentID)
	return &rec, nil
}

func insertTransaction(ctx context.Context, q execQuerier, rec db.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (id, username, type, amount, direction, account_mode, status, method, trade_id, payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Username, rec.Type, rec.Amount, rec.Direction, rec.AccountMode,
		rec.Status, rec.Method, rec.TradeID, rec.PaymentID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (m *Manager) publish(e events.Event, payload any) {
	if m.bus != nil {
		m.bus.Publish(e, payload)
	}
}
