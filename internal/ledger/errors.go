package ledger

import "fmt"

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError rejects a withdrawal larger than the balance.
type InsufficientFundsError struct {
	Requested float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance: need %.2f, have %.2f", e.Requested, e.Available)
}

// AmlThresholdError blocks real-account withdrawals until cumulative profit
// reaches the required fraction of the initial deposit.
type AmlThresholdError struct {
	Required float64
	Actual   float64
}

func (e *AmlThresholdError) Error() string {
	return fmt.Sprintf("AML rule: must reach $%.2f profit before withdrawal on real account, current profit: $%.2f",
		e.Required, e.Actual)
}

// AlreadySettledError reports a second settlement attempt on a closed trade.
type AlreadySettledError struct {
	TradeID string
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("trade %s is already settled", e.TradeID)
}
