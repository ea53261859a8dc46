package db

import "time"

// Account modes. Demo funds are practice money; real counts toward the
// AML withdrawal gate.
const (
	ModeDemo = "demo"
	ModeReal = "real"
)

// Trade lifecycle states. A trade is mutated exactly once, at settlement.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

// Trade directions.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Transaction types.
const (
	TxDeposit            = "deposit"
	TxWithdrawal         = "withdrawal"
	TxTradeWin           = "trade_win"
	TxTradeLoss          = "trade_loss"
	TxDepositFailed      = "deposit_failed"
	TxDepositCancelled   = "deposit_cancelled"
	TxWithdrawalApproved = "withdrawal_approved"
)

// Transaction statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusApproved  = "approved"
)

// Transaction directions.
const (
	DirCredit = "credit"
	DirDebit  = "debit"
)

// User is a registered platform user. Username doubles as the ledger key.
type User struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Account is one ledger entry: per user, per mode. Equity always tracks
// balance in this design; there is no intrabar marking.
type Account struct {
	Username       string    `json:"username"`
	Mode           string    `json:"mode"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	CumulativePnl  float64   `json:"cumulative_pnl"`
	InitialDeposit float64   `json:"initial_deposit"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Trade is a simulated position. Pnl and IsWinning are only meaningful
// once Status is TradeClosed; IsWinning is nil while the trade is open.
type Trade struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Pair           string     `json:"pair"`
	Direction      string     `json:"direction"`
	Volume         float64    `json:"volume"`
	EntryPrice     float64    `json:"entry_price"`
	StopLossPips   float64    `json:"stop_loss_pips"`
	TakeProfitPips float64    `json:"take_profit_pips"`
	HoldTimeMs     int64      `json:"hold_time_ms"`
	AccountMode    string     `json:"account_mode"`
	Status         string     `json:"status"`
	Pnl            float64    `json:"pnl"`
	IsWinning      *bool      `json:"is_winning,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	DueAt          time.Time  `json:"due_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// IsClosed reports whether the trade has been settled.
func (t *Trade) IsClosed() bool {
	return t.Status == TradeClosed
}

// Transaction is an append-only ledger record. Amount is always unsigned;
// Direction carries the sign. TradeID/PaymentID are weak back-references.
type Transaction struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Type        string    `json:"type"`
	Amount      float64   `json:"amount"`
	Direction   string    `json:"direction"`
	AccountMode string    `json:"account_mode"`
	Status      string    `json:"status"`
	Method      string    `json:"method,omitempty"`
	TradeID     string    `json:"trade_id,omitempty"`
	PaymentID   string    `json:"payment_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Withdrawal is a payout request awaiting (or past) admin review.
type Withdrawal struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Amount      float64   `json:"amount"`
	Method      string    `json:"method,omitempty"`
	AccountMode string    `json:"account_mode"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
