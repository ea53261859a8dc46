package events

// Event enumerates high-level topics inside the simulator core.
type Event string

const (
	EventTradeOpened         Event = "trade.opened"
	EventTradeSettled        Event = "trade.settled"
	EventTradeRejected       Event = "trade.rejected"
	EventBalanceUpdated      Event = "balance.updated"
	EventDepositRecorded     Event = "deposit.recorded"
	EventWithdrawalRequested Event = "withdrawal.requested"
	EventWithdrawalApproved  Event = "withdrawal.approved"
)
