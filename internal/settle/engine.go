// Package settle draws trade outcomes and books them through the ledger.
// The outcome is decided at settlement time, not at open: tier and mode
// pick a win probability, the pip distance is drawn inside the user's own
// stop/target band, and the result is committed atomically.
package settle

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"tradesim-core/internal/events"
	"tradesim-core/internal/ledger"
	"tradesim-core/internal/policy"
	"tradesim-core/internal/risk"
	"tradesim-core/pkg/db"
)

// Result is the payload published on trade.settled.
type Result struct {
	Trade       db.Trade       `json:"trade"`
	Account     db.Account     `json:"account"`
	Transaction db.Transaction `json:"transaction"`
	WinRate     float64        `json:"win_rate"`
}

// Rejection is the payload published on trade.rejected.
type Rejection struct {
	Trade    db.Trade      `json:"trade"`
	Decision risk.Decision `json:"decision"`
}

// Engine settles trades.
type Engine struct {
	queries  *db.UserQueries
	registry *policy.Registry
	guard    *risk.Guard
	ledger   *ledger.Manager
	bus      *events.Bus

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine wires the settlement engine. rng may be nil; a time-seeded
// source is used then. Injecting a fixed-seed source makes outcomes
// reproducible.
func NewEngine(queries *db.UserQueries, registry *policy.Registry, guard *risk.Guard,
	ledg *ledger.Manager, bus *events.Bus, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		queries:  queries,
		registry: registry,
		guard:    guard,
		ledger:   ledg,
		bus:      bus,
		rng:      rng,
	}
}

// Settle closes one open trade owned by username. A closed trade returns
// AlreadySettledError; a losing draw blocked by the loss cap returns
// LossCapError and leaves the trade open.
func (e *Engine) Settle(ctx context.Context, username, tradeID string) (*db.Trade, *db.Account, *db.Transaction, error) {
	t, err := e.queries.GetTrade(ctx, username, tradeID)
	if err != nil {
		return nil, nil, nil, err
	}
	return e.SettleTrade(ctx, t)
}

// SettleTrade settles an already-loaded trade. Used by the scheduler,
// which holds the trade row from its due scan.
func (e *Engine) SettleTrade(ctx context.Context, t *db.Trade) (*db.Trade, *db.Account, *db.Transaction, error) {
	if t.IsClosed() {
		return nil, nil, nil, &ledger.AlreadySettledError{TradeID: t.ID}
	}

	tier, err := e.registry.TierFor(ctx, t.Username)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve tier: %w", err)
	}
	winRate := policy.WinRate(tier, t.AccountMode)

	// The account lock spans the loss-cap check and the commit, so two
	// concurrent losing settlements cannot both pass the check.
	unlock := e.ledger.LockAccount(t.Username, t.AccountMode)
	defer unlock()

	won, pnl := e.draw(winRate, t)

	if !won {
		decision, err := e.guard.CheckLoss(ctx, t.Username, t.AccountMode)
		if err != nil {
			return nil, nil, nil, err
		}
		if !decision.Allowed {
			e.publish(events.EventTradeRejected, Rejection{Trade: *t, Decision: decision})
			return nil, nil, nil, &risk.LossCapError{
				Consecutive: decision.ConsecutiveLosses,
				MaxAllowed:  decision.MaxAllowed,
			}
		}
	}

	closedAt := time.Now().UTC()
	acct, rec, err := e.ledger.ApplySettlement(ctx, t, pnl, won, closedAt)
	if err != nil {
		return nil, nil, nil, err
	}

	t.Status = db.TradeClosed
	t.Pnl = pnl
	t.IsWinning = &won
	t.ClosedAt = &closedAt

	log.Printf("[SETTLE] %s %s %s pnl=%.2f (win_rate=%.2f)", t.Username, t.AccountMode, t.ID, pnl, winRate)
	e.publish(events.EventTradeSettled, Result{Trade: *t, Account: *acct, Transaction: *rec, WinRate: winRate})
	return t, acct, rec, nil
}

// draw decides the outcome and P&L for one trade.
//
// Pip distance lands between 40% and 100% of the trade's own take-profit
// (win) or stop-loss (loss) band, one pip is worth volume*10, a ±10%
// variance roughens the figure, and the magnitude is floored at
// max(1, volume*0.5) so no settlement rounds to noise.
func (e *Engine) draw(winRate float64, t *db.Trade) (bool, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	won := e.rng.Float64() < winRate

	band := t.StopLossPips
	if won {
		band = t.TakeProfitPips
	}
	pips := band * (0.4 + e.rng.Float64()*0.6)
	pipValue := t.Volume * 10
	pnl := pips * pipValue
	pnl *= 1 + (e.rng.Float64()-0.5)*0.2

	minPnl := math.Max(1, t.Volume*0.5)
	if pnl < minPnl {
		pnl = minPnl
	}
	pnl = math.Round(pnl*100) / 100

	if !won {
		pnl = -pnl
	}
	return won, pnl
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
