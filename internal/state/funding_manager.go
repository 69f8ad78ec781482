package state

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
)

// FundingRateEngine accrues the global cumulative funding rate from the
// market and index TWAPs.
type FundingRateEngine struct {
	sensitivity fpmath.Wad
}

func NewFundingRateEngine(sensitivity fpmath.Wad) *FundingRateEngine {
	return &FundingRateEngine{sensitivity: sensitivity}
}

// FundingAccrual describes one accrual step.
type FundingAccrual struct {
	Premium fpmath.Wad
	Delta   fpmath.Wad
	// Anchored is set on the very first call, which only starts the clock.
	Anchored bool
}

// Accrue advances g to ts. It is a no-op returning false when ts equals the
// last funding time. The first call on a fresh market anchors both
// timestamps without accruing.
func (e *FundingRateEngine) Accrue(g *GlobalPosition, marketTwap, indexTwap fpmath.Wad, ts int64) (FundingAccrual, bool) {
	if g.TimeOfLastFunding == 0 {
		g.TimeOfLastTrade = ts
		g.TimeOfLastFunding = ts
		return FundingAccrual{Anchored: true}, true
	}
	if ts == g.TimeOfLastFunding {
		return FundingAccrual{}, false
	}
	if ts < g.TimeOfLastFunding {
		panic(fmt.Sprintf("FATAL: funding clock went backwards: %d < %d", ts, g.TimeOfLastFunding))
	}

	premium := fpmath.ComputePremium(marketTwap, indexTwap)
	delta := fpmath.ComputeFundingRateDelta(
		premium,
		e.sensitivity,
		ts-g.TimeOfLastTrade,
		ts-g.TimeOfLastFunding,
	)

	g.CumFundingRate = g.CumFundingRate.Add(delta)
	g.TimeOfLastTrade = ts
	g.TimeOfLastFunding = ts

	return FundingAccrual{Premium: premium, Delta: delta}, true
}
