package event

import (
	fpmath "PerpClearing/internal/math"

	"github.com/google/uuid"
)

// LiquidationCall is emitted when a liquidator force-closes an account.
// Header.Account is the liquidated account.
type LiquidationCall struct {
	Header
	Liquidator  uuid.UUID  `json:"liquidator"`
	MarginRatio fpmath.Wad `json:"margin_ratio"` // ratio that made the account liquidatable
	TradeAmount fpmath.Wad `json:"trade_amount"` // |openNotional| closed
	ExitValue   fpmath.Wad `json:"exit_value"`
	RealizedPnL fpmath.Wad `json:"realized_pnl"`
	Reward      fpmath.Wad `json:"reward"`
	BadDebt     fpmath.Wad `json:"bad_debt"` // covered by the insurance fund
}

func (e *LiquidationCall) EventType() EventType { return EventTypeLiquidationCall }
