// Package risk gates settlements that would extend a losing streak. The
// guard runs before any losing outcome is committed; a rejection leaves
// the trade open and untouched.
package risk

import (
	"context"
	"fmt"
	"log"

	"tradesim-core/pkg/db"
)

// Decision is the result of a loss-cap evaluation.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	ConsecutiveLosses int    `json:"consecutive_losses"`
	MaxAllowed        int    `json:"max_allowed"`
}

// LossCapError is the typed form of a rejected losing settlement.
type LossCapError struct {
	Consecutive int
	MaxAllowed  int
}

func (e *LossCapError) Error() string {
	return fmt.Sprintf("loss cap reached: %d consecutive losses (max %d)", e.Consecutive, e.MaxAllowed)
}

// Guard evaluates the consecutive-loss cap against closed-trade history.
type Guard struct {
	queries              *db.UserQueries
	maxConsecutiveLosses int
}

// NewGuard creates a guard. maxConsecutiveLosses is the streak length at
// which further losses are refused.
func NewGuard(queries *db.UserQueries, maxConsecutiveLosses int) *Guard {
	return &Guard{queries: queries, maxConsecutiveLosses: maxConsecutiveLosses}
}

// CheckLoss decides whether a losing settlement may be committed on the
// account. Demo accounts are never capped. On real accounts the streak is
// counted newest-first over closed trades, stopping at the first win; a
// streak at or past the cap rejects the loss.
func (g *Guard) CheckLoss(ctx context.Context, username, mode string) (Decision, error) {
	if mode != db.ModeReal {
		return Decision{Allowed: true, MaxAllowed: g.maxConsecutiveLosses}, nil
	}

	// The streak cannot exceed the cap by more than one trade, so reading
	// one past the cap is enough.
	outcomes, err := g.queries.ClosedOutcomesNewestFirst(ctx, username, mode, g.maxConsecutiveLosses+1)
	if err != nil {
		return Decision{}, fmt.Errorf("loss-cap history: %w", err)
	}

	streak := 0
	for _, won := range outcomes {
		if won {
			break
		}
		streak++
	}

	if streak >= g.maxConsecutiveLosses {
		log.Printf("[RISK] 🚫 Loss cap hit for %s/%s: %d consecutive losses", username, mode, streak)
		return Decision{
			Allowed:           false,
			Reason:            fmt.Sprintf("consecutive loss limit reached (%d)", streak),
			ConsecutiveLosses: streak,
			MaxAllowed:        g.maxConsecutiveLosses,
		}, nil
	}

	return Decision{Allowed: true, ConsecutiveLosses: streak, MaxAllowed: g.maxConsecutiveLosses}, nil
}
