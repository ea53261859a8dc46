// Package db provides the SQLite store and user-isolated queries.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUsernameRequired = errors.New("username is required for data isolation")
	ErrNotFound         = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// User queries
// ----------------------------------------

// CreateUser inserts a new user row.
func (q *UserQueries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, is_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.Username, u.Email, u.PasswordHash, boolToInt(u.IsAdmin), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user with the given email, or nil if absent.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT username, email, password_hash, is_admin, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

// GetUserByUsername returns the user with the given username, or nil if absent.
func (q *UserQueries) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT username, email, password_hash, is_admin, created_at, updated_at
		FROM users WHERE username = ?
	`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		isAdmin int
	)
	err := row.Scan(&u.Username, &u.Email, &u.PasswordHash, &isAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.IsAdmin = isAdmin == 1
	return &u, nil
}

// ----------------------------------------
// Trade queries
// ----------------------------------------

// GetTrade returns a single trade owned by the user.
func (q *UserQueries) GetTrade(ctx context.Context, username, tradeID string) (*Trade, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}
	row := q.db.QueryRowContext(ctx, tradeSelect+` WHERE id = ? AND username = ?`, tradeID, username)
	t, err := scanTradeRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	return t, nil
}

// ListTrades returns the user's trades for a mode, optionally filtered by
// status, most recent first.
func (q *UserQueries) ListTrades(ctx context.Context, username, mode, status string, limit int) ([]Trade, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}
	query := tradeSelect + ` WHERE username = ? AND account_mode = ?`
	args := []any{username, mode}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// ClosedOutcomesNewestFirst returns the win/loss flags of the user's closed
// trades on a mode, most recent first. Used by the loss-cap guard.
func (q *UserQueries) ClosedOutcomesNewestFirst(ctx context.Context, username, mode string, limit int) ([]bool, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT is_winning FROM trades
		WHERE username = ? AND account_mode = ? AND status = ?
		ORDER BY closed_at DESC, id DESC
		LIMIT ?
	`, username, mode, TradeClosed, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []bool
	for rows.Next() {
		var win sql.NullInt64
		if err := rows.Scan(&win); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, win.Valid && win.Int64 == 1)
	}
	return outcomes, rows.Err()
}

// CountOpenTrades returns the user's open position count for a mode.
func (q *UserQueries) CountOpenTrades(ctx context.Context, username, mode string) (int, error) {
	if username == "" {
		return 0, ErrUsernameRequired
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM trades
		WHERE username = ? AND account_mode = ? AND status = ?
	`, username, mode, TradeOpen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

// ListDueTrades returns all open trades across users, for scheduler re-arm
// after restart.
func (q *UserQueries) ListDueTrades(ctx context.Context) ([]Trade, error) {
	rows, err := q.db.QueryContext(ctx, tradeSelect+` WHERE status = ? ORDER BY due_at ASC`, TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

const tradeSelect = `
	SELECT id, username, pair, direction, volume, entry_price, stop_loss_pips,
	       take_profit_pips, hold_time_ms, account_mode, status, pnl, is_winning,
	       opened_at, due_at, closed_at
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (*Trade, error) {
	var (
		t        Trade
		winning  sql.NullInt64
		closedAt sql.NullTime
	)
	if err := r.Scan(
		&t.ID, &t.Username, &t.Pair, &t.Direction, &t.Volume, &t.EntryPrice,
		&t.StopLossPips, &t.TakeProfitPips, &t.HoldTimeMs, &t.AccountMode,
		&t.Status, &t.Pnl, &winning, &t.OpenedAt, &t.DueAt, &closedAt,
	); err != nil {
		return nil, err
	}
	if winning.Valid {
		w := winning.Int64 == 1
		t.IsWinning = &w
	}
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	return &t, nil
}

func scanTradeRow(row *sql.Row) (*Trade, error) {
	return scanTrade(row)
}

// ----------------------------------------
// Transaction queries
// ----------------------------------------

// ListTransactions returns the user's transaction history, most recent first.
func (q *UserQueries) ListTransactions(ctx context.Context, username string, limit int) ([]Transaction, error) {
	if username == "" {
		return nil, ErrUsernameRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, username, type, amount, direction, account_mode, status,
		       COALESCE(method, ''), COALESCE(trade_id, ''), COALESCE(payment_id, ''), created_at
		FROM transactions
		WHERE username = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.Username, &tx.Type, &tx.Amount, &tx.Direction,
			&tx.AccountMode, &tx.Status, &tx.Method, &tx.TradeID, &tx.PaymentID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ----------------------------------------
// Withdrawal queries
// ----------------------------------------

// ListPendingWithdrawals returns all withdrawals awaiting admin review.
func (q *UserQueries) ListPendingWithdrawals(ctx context.Context) ([]Withdrawal, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, username, amount, COALESCE(method, ''), account_mode, status, created_at
		FROM withdrawals
		WHERE status = ?
		ORDER BY created_at ASC
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query withdrawals: %w", err)
	}
	defer rows.Close()

	var ws []Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.Username, &w.Amount, &w.Method, &w.AccountMode, &w.Status, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		ws = append(ws, w)
	}
	return ws, rows.Err()
}

// GetWithdrawal returns a withdrawal by id.
func (q *UserQueries) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	var w Withdrawal
	err := q.db.QueryRowContext(ctx, `
		SELECT id, username, amount, COALESCE(method, ''), account_mode, status, created_at
		FROM withdrawals WHERE id = ?
	`, id).Scan(&w.ID, &w.Username, &w.Amount, &w.Method, &w.AccountMode, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan withdrawal: %w", err)
	}
	return &w, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
