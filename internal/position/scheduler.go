package position

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"tradesim-core/internal/ledger"
	"tradesim-core/internal/risk"
	"tradesim-core/internal/settle"
	"tradesim-core/pkg/db"
)

// Scheduler fires settlement when a trade's hold time elapses. Timers are
// re-armed from the trades table on startup, so a restart loses nothing;
// trades already overdue settle immediately.
type Scheduler struct {
	queries    *db.UserQueries
	engine     *settle.Engine
	retryDelay time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a scheduler. retryDelay spaces out re-attempts when
// a settlement is refused by the loss cap; the next attempt re-draws the
// outcome.
func NewScheduler(queries *db.UserQueries, engine *settle.Engine, retryDelay time.Duration) *Scheduler {
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return &Scheduler{
		queries:    queries,
		engine:     engine,
		retryDelay: retryDelay,
		timers:     make(map[string]*time.Timer),
	}
}

// Recover re-arms timers for every open trade. Call once at startup.
func (s *Scheduler) Recover(ctx context.Context) error {
	trades, err := s.queries.ListDueTrades(ctx)
	if err != nil {
		return err
	}
	for _, t := range trades {
		s.Arm(t)
	}
	if len(trades) > 0 {
		log.Printf("[SCHED] ⏰ Re-armed %d pending settlement(s)", len(trades))
	}
	return nil
}

// Arm schedules settlement at the trade's due time. Overdue trades fire
// after a short grace so startup isn't serialized behind them.
func (s *Scheduler) Arm(t db.Trade) {
	delay := time.Until(t.DueAt)
	if delay < 0 {
		delay = 100 * time.Millisecond
	}
	s.armAfter(t.Username, t.ID, delay)
}

func (s *Scheduler) armAfter(username, tradeID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.timers[tradeID]; ok {
		old.Stop()
	}
	s.timers[tradeID] = time.AfterFunc(delay, func() {
		s.fire(username, tradeID)
	})
}

func (s *Scheduler) fire(username, tradeID string) {
	s.mu.Lock()
	delete(s.timers, tradeID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _, _, err := s.engine.Settle(ctx, username, tradeID)
	switch {
	case err == nil:
		return
	case isAlreadySettled(err):
		// Settled manually between the timer firing and now.
		return
	case isLossCapped(err):
		// Leave the trade open and try again later with a fresh draw.
		log.Printf("[SCHED] Trade %s deferred by loss cap, retrying in %s", tradeID, s.retryDelay)
		s.armAfter(username, tradeID, s.retryDelay)
	default:
		log.Printf("[SCHED] ❌ Settle %s failed: %v (retrying in %s)", tradeID, err, s.retryDelay)
		s.armAfter(username, tradeID, s.retryDelay)
	}
}

// Stop cancels all pending timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

func isAlreadySettled(err error) bool {
	var e *ledger.AlreadySettledError
	return errors.As(err, &e)
}

func isLossCapped(err error) bool {
	var e *risk.LossCapError
	return errors.As(err, &e)
}
