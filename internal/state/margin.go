package state

import (
	fpmath "PerpClearing/internal/math"
)

// MarginView is the account state a margin computation needs. It is a plain
// value so margin can be computed against committed state or against the
// staged state of an open transaction.
type MarginView struct {
	Collateral     fpmath.Wad
	Trader         TraderPosition
	Liquidity      LiquidityPosition
	CumFundingRate fpmath.Wad
}

// MarginReport is the breakdown behind a margin ratio
type MarginReport struct {
	Collateral     fpmath.Wad   `json:"collateral"`
	UnrealizedPnL  fpmath.Wad   `json:"unrealized_pnl"`
	PendingFunding fpmath.Wad   `json:"pending_funding"`
	NetValue       fpmath.Wad   `json:"net_value"`
	Exposure       fpmath.Wad   `json:"exposure"` // |trader notional| + |lp notional|
	Ratio          fpmath.Wad   `json:"ratio"`
	Status         MarginStatus `json:"status"`
}

// MarginCalculator derives net asset value and margin ratio. It never
// mutates the pool or the ledger.
type MarginCalculator struct {
	minMargin           fpmath.Wad
	minMarginAtCreation fpmath.Wad
}

func NewMarginCalculator(params MarketParams) *MarginCalculator {
	return &MarginCalculator{
		minMargin:           params.MinMargin,
		minMarginAtCreation: params.MinMarginAtCreation,
	}
}

// Compute returns the margin report of v priced against the current pool
// state. Unrealized PnL uses the pool quote, never a TWAP.
func (mc *MarginCalculator) Compute(pool Pool, v MarginView) (MarginReport, error) {
	traderPnL, err := unrealizedPnL(pool, v.Trader.Exposure())
	if err != nil {
		return MarginReport{}, err
	}

	lpExposure := liquidityExposure(pool, &v.Liquidity)
	lpPnL, err := unrealizedPnL(pool, lpExposure)
	if err != nil {
		return MarginReport{}, err
	}

	pending := fpmath.ComputeFundingPayment(v.Trader.CumFundingRateSnapshot, v.CumFundingRate, v.Trader.OpenNotional).
		Add(fpmath.ComputeFundingPayment(v.Liquidity.CumFundingRateSnapshot, v.CumFundingRate, v.Liquidity.OpenNotional))

	upnl := traderPnL.Add(lpPnL)
	net := v.Collateral.Add(upnl).Add(pending)
	exposure := v.Trader.OpenNotional.Abs().Add(v.Liquidity.OpenNotional.Abs())

	report := MarginReport{
		Collateral:     v.Collateral,
		UnrealizedPnL:  upnl,
		PendingFunding: pending,
		NetValue:       net,
		Exposure:       exposure,
		Ratio:          MarginRatio(net, exposure),
	}
	report.Status = mc.Status(report.Ratio)
	return report, nil
}

// MarginRatio returns net / exposure, or MaxWad without exposure so an
// account with nothing open is always healthy.
func MarginRatio(net, exposure fpmath.Wad) fpmath.Wad {
	if exposure.IsZero() {
		return fpmath.MaxWad
	}
	return net.Div(exposure)
}

// Status classifies a ratio. Exactly MinMargin is not liquidatable.
func (mc *MarginCalculator) Status(ratio fpmath.Wad) MarginStatus {
	if ratio.LessThan(mc.minMargin) {
		return MarginStatusLiquidatable
	}
	if ratio.LessThan(mc.minMarginAtCreation) {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

// IsLiquidatable reports ratio < MinMargin
func (mc *MarginCalculator) IsLiquidatable(ratio fpmath.Wad) bool {
	return ratio.LessThan(mc.minMargin)
}

// CanOpen reports ratio >= MinMarginAtCreation
func (mc *MarginCalculator) CanOpen(ratio fpmath.Wad) bool {
	return !ratio.LessThan(mc.minMarginAtCreation)
}

// liquidityExposure is the provider's implicit position: its current pool
// share net of what it provided.
func liquidityExposure(pool Pool, lp *LiquidityPosition) Exposure {
	if lp.IsEmpty() {
		return Exposure{Size: fpmath.Zero, Notional: fpmath.Zero}
	}
	supply := pool.TotalSupply()
	if supply.IsZero() {
		return Exposure{Size: fpmath.Zero, Notional: fpmath.Zero}
	}
	baseShare := fpmath.MulDiv(lp.LiquidityBalance, pool.Balances(BaseIndex), supply)
	quoteShare := fpmath.MulDiv(lp.LiquidityBalance, pool.Balances(QuoteIndex), supply)
	return Exposure{
		Size:     baseShare.Add(lp.PositionSize),
		Notional: quoteShare.Add(lp.OpenNotional).Neg(),
	}
}

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

func (ms MarginStatus) MarshalText() ([]byte, error) {
	return []byte(ms.String()), nil
}
