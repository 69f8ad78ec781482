package event

import fpmath "PerpClearing/internal/math"

// CollateralWithdrawn is an account-level event; MarketID is empty.
type CollateralWithdrawn struct {
	Header
	Token   string     `json:"token"`
	Amount  fpmath.Wad `json:"amount"`
	Balance fpmath.Wad `json:"balance"`
}

func (e *CollateralWithdrawn) EventType() EventType { return EventTypeCollateralWithdrawn }
