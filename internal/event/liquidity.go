package event

import (
	fpmath "PerpClearing/internal/math"
)

// LiquidityProvided is emitted when an account adds liquidity to the market pool.
type LiquidityProvided struct {
	Header
	Amount      fpmath.Wad `json:"amount"`
	QuoteAmount fpmath.Wad `json:"quote_amount"`
	BaseAmount  fpmath.Wad `json:"base_amount"`
	LPMinted    fpmath.Wad `json:"lp_minted"`
	Bootstrap   bool       `json:"bootstrap"` // split by index price into an empty pool
}

func (e *LiquidityProvided) EventType() EventType { return EventTypeLiquidityProvided }

// LiquidityWithdrawn is emitted when an account burns LP tokens.
type LiquidityWithdrawn struct {
	Header
	LPBurned     fpmath.Wad `json:"lp_burned"`
	QuoteOut     fpmath.Wad `json:"quote_out"`
	BaseOut      fpmath.Wad `json:"base_out"`
	ResidualBase fpmath.Wad `json:"residual_base"` // exposure closed against the pool
	RealizedPnL  fpmath.Wad `json:"realized_pnl"`
}

func (e *LiquidityWithdrawn) EventType() EventType { return EventTypeLiquidityWithdrawn }
