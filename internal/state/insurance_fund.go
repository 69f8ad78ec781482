package state

import (
	fpmath "PerpClearing/internal/math"
)

// InsuranceFund backstops liquidations that leave a deficit (negative
// collateral after the close and the liquidator reward). If the fund cannot
// cover the deficit the liquidation is rejected and the position stays
// Liquidatable until the fund is topped up.
type InsuranceFund interface {
	// CoverBadDebt pays amount out of the fund, or does nothing and returns false.
	CoverBadDebt(amount fpmath.Wad) bool
	// Fund adds fee income or refunds a coverage that was not used.
	Fund(amount fpmath.Wad) error
	Balance() fpmath.Wad
}

// ComputeBadDebt returns the deficit an account would be left with after
// realizing pnl and paying reward out of collateral. Zero when solvent.
func ComputeBadDebt(collateral, realizedPnL, reward fpmath.Wad) fpmath.Wad {
	remaining := collateral.Add(realizedPnL).Sub(reward)
	if remaining.IsNegative() {
		return remaining.Neg()
	}
	return fpmath.Zero
}

