// Package position opens trades and schedules their settlement. A trade
// carries its own due time in the database, so pending settlements survive
// a restart.
package position

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"

	"tradesim-core/internal/events"
	"tradesim-core/internal/ledger"
	"tradesim-core/internal/market"
	"tradesim-core/pkg/db"
)

// Limits bound what a single trade may look like.
type Limits struct {
	MinHoldTime time.Duration
	MaxHoldTime time.Duration
	MaxVolume   float64
}

// OpenRequest is a validated-on-entry request to open a trade.
type OpenRequest struct {
	Pair           string        `json:"pair"`
	Direction      string        `json:"direction"`
	Volume         float64       `json:"volume"`
	StopLossPips   float64       `json:"stopLossPips"`
	TakeProfitPips float64       `json:"takeProfitPips"`
	HoldTime       time.Duration `json:"-"`
	AccountMode    string        `json:"accountMode"`
}

// Store persists trades.
type Store struct {
	db      *sql.DB
	queries *db.UserQueries
	quotes  *market.Board
	bus     *events.Bus
	limits  Limits
}

// NewStore creates the trade store.
func NewStore(database *db.Database, quotes *market.Board, bus *events.Bus, limits Limits) *Store {
	return &Store{
		db:      database.DB,
		queries: database.Queries(),
		quotes:  quotes,
		bus:     bus,
		limits:  limits,
	}
}

// Open validates the request, stamps an entry price from the quote board
// and inserts the trade with its settlement due time.
func (s *Store) Open(ctx context.Context, username string, req OpenRequest) (*db.Trade, error) {
	if username == "" {
		return nil, db.ErrUsernameRequired
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	q, ok := s.quotes.Quote(req.Pair)
	if !ok {
		return nil, &ledger.ValidationError{Field: "pair", Reason: fmt.Sprintf("unknown pair %q", req.Pair)}
	}
	entry := q.Ask
	if req.Direction == db.DirectionSell {
		entry = q.Bid
	}

	now := time.Now().UTC()
	t := &db.Trade{
		ID:             ulid.Make().String(),
		Username:       username,
		Pair:           req.Pair,
		Direction:      req.Direction,
		Volume:         req.Volume,
		EntryPrice:     entry,
		StopLossPips:   req.StopLossPips,
		TakeProfitPips: req.TakeProfitPips,
		HoldTimeMs:     req.HoldTime.Milliseconds(),
		AccountMode:    req.AccountMode,
		Status:         db.TradeOpen,
		OpenedAt:       now,
		DueAt:          now.Add(req.HoldTime),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, username, pair, direction, volume, entry_price,
		                    stop_loss_pips, take_profit_pips, hold_time_ms,
		                    account_mode, status, pnl, opened_at, due_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, t.ID, t.Username, t.Pair, t.Direction, t.Volume, t.EntryPrice,
		t.StopLossPips, t.TakeProfitPips, t.HoldTimeMs,
		t.AccountMode, t.Status, t.OpenedAt, t.DueAt)
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	log.Printf("[POSITION] 📈 %s opened %s %s vol=%.2f due in %s",
		username, req.Direction, req.Pair, req.Volume, req.HoldTime)
	if s.bus != nil {
		s.bus.Publish(events.EventTradeOpened, *t)
	}
	return t, nil
}

func (s *Store) validate(req OpenRequest) error {
	if req.Pair == "" {
		return &ledger.ValidationError{Field: "pair", Reason: "pair is required"}
	}
	if req.Direction != db.DirectionBuy && req.Direction != db.DirectionSell {
		return &ledger.ValidationError{Field: "direction", Reason: "direction must be BUY or SELL"}
	}
	if req.Volume <= 0 {
		return &ledger.ValidationError{Field: "volume", Reason: "volume must be positive"}
	}
	if req.Volume > s.limits.MaxVolume {
		return &ledger.ValidationError{Field: "volume", Reason: fmt.Sprintf("volume exceeds maximum %.0f", s.limits.MaxVolume)}
	}
	if req.StopLossPips <= 0 {
		return &ledger.ValidationError{Field: "stopLossPips", Reason: "stop loss must be positive"}
	}
	if req.TakeProfitPips <= 0 {
		return &ledger.ValidationError{Field: "takeProfitPips", Reason: "take profit must be positive"}
	}
	if req.HoldTime < s.limits.MinHoldTime || req.HoldTime > s.limits.MaxHoldTime {
		return &ledger.ValidationError{Field: "holdTime", Reason: fmt.Sprintf("hold time must be between %s and %s", s.limits.MinHoldTime, s.limits.MaxHoldTime)}
	}
	if req.AccountMode != db.ModeDemo && req.AccountMode != db.ModeReal {
		return &ledger.ValidationError{Field: "accountMode", Reason: "account mode must be demo or real"}
	}
	return nil
}

// Stats summarizes a user's closed trades on one mode.
type Stats struct {
	Total   int     `json:"total"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	WinRate float64 `json:"win_rate"`
	NetPnl  float64 `json:"net_pnl"`
}

// UserStats aggregates closed-trade results for a user and mode.
func (s *Store) UserStats(ctx context.Context, username, mode string) (*Stats, error) {
	if username == "" {
		return nil, db.ErrUsernameRequired
	}
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_winning = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE username = ? AND account_mode = ? AND status = ?
	`, username, mode, db.TradeClosed).Scan(&st.Total, &st.Wins, &st.NetPnl)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	st.Losses = st.Total - st.Wins
	if st.Total > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Total)
	}
	return &st, nil
}
