// Package policy resolves user tiers and the win-rate table that drives
// trade outcomes.
package policy

import "tradesim-core/pkg/db"

// Tier captures the flags that feed win-rate selection. A user may be both
// privileged and a marketer; marketer status takes precedence.
type Tier struct {
	Privileged bool `json:"privileged"`
	Marketer   bool `json:"marketer"`
}

// WinRate maps a tier and account mode to the probability of a winning
// outcome. Pure lookup, no I/O.
//
// Marketers win 95% everywhere; real accounts pay 70% to privileged users
// and 20% to everyone else; demo accounts pay 90% / 80%.
func WinRate(tier Tier, mode string) float64 {
	if tier.Marketer {
		return 0.95
	}
	if mode == db.ModeReal {
		if tier.Privileged {
			return 0.70
		}
		return 0.20
	}
	if tier.Privileged {
		return 0.90
	}
	return 0.80
}
