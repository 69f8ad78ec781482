package event

import (
	fpmath "PerpClearing/internal/math"
)

// FundingRateUpdated is emitted whenever accrual moves the cumulative rate clock.
type FundingRateUpdated struct {
	Header
	CumFundingRate fpmath.Wad `json:"cum_funding_rate"`
	Delta          fpmath.Wad `json:"delta"`
	Premium        fpmath.Wad `json:"premium"`
}

func (e *FundingRateUpdated) EventType() EventType { return EventTypeFundingRateUpdated }

// FundingPaid is emitted when settlement moves funding into or out of an account.
// Positive payment means the account received funds.
type FundingPaid struct {
	Header
	Payment        fpmath.Wad `json:"payment"`
	CumFundingRate fpmath.Wad `json:"cum_funding_rate"`
	Liquidity      bool       `json:"liquidity"` // settled on the LP position
}

func (e *FundingPaid) EventType() EventType { return EventTypeFundingPaid }
