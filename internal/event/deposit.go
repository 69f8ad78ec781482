package event

import fpmath "PerpClearing/internal/math"

// CollateralDeposited is an account-level event; MarketID is empty.
type CollateralDeposited struct {
	Header
	Token    string     `json:"token"`
	Amount   fpmath.Wad `json:"amount"`   // requested
	Credited fpmath.Wad `json:"credited"` // after flooring to token precision
	Balance  fpmath.Wad `json:"balance"`
}

func (e *CollateralDeposited) EventType() EventType { return EventTypeCollateralDeposited }
