package state

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
)

// TwapAccumulator integrates a price stream into a time-weighted average
// over a rolling window of Period seconds. It is a value type so a ledger
// transaction can stage a copy and discard it on abort.
type TwapAccumulator struct {
	Period int64 `json:"period"`

	CumulativeAmount       fpmath.Wad `json:"cumulative_amount"`
	TimeOfCumulativeAmount int64      `json:"time_of_cumulative_amount"`

	CumulativeAmountAtBeginningOfPeriod       fpmath.Wad `json:"cumulative_amount_at_beginning_of_period"`
	TimeOfCumulativeAmountAtBeginningOfPeriod int64      `json:"time_of_cumulative_amount_at_beginning_of_period"`

	// LastPrice answers Twap while the window is still empty
	LastPrice fpmath.Wad `json:"last_price"`
}

func NewTwapAccumulator(period int64) TwapAccumulator {
	return TwapAccumulator{Period: period}
}

// Observed reports whether at least one price has been recorded.
func (a *TwapAccumulator) Observed() bool {
	return a.TimeOfCumulativeAmount != 0
}

// Record credits newPrice for the time elapsed since the previous
// observation. Timestamps must not decrease and prices must not be negative;
// both are caller contract violations and panic.
//
// Once the accumulated window spans at least Period, the current totals
// become the beginning of the next window before the new observation is
// applied, so each rollover advances the window by one accumulated period.
// The rollover check uses the window as it stood before ts, not ts itself:
// a single observation after a long gap is credited in full and the window
// then spans more than Period, averaging the whole gap in, until the next
// observation at a later timestamp rolls it over.
func (a *TwapAccumulator) Record(newPrice fpmath.Wad, ts int64) {
	if newPrice.IsNegative() {
		panic(fmt.Sprintf("FATAL: negative price %s recorded at %d", newPrice, ts))
	}

	if !a.Observed() {
		a.TimeOfCumulativeAmount = ts
		a.TimeOfCumulativeAmountAtBeginningOfPeriod = ts
		a.LastPrice = newPrice
		return
	}

	if ts < a.TimeOfCumulativeAmount {
		panic(fmt.Sprintf("FATAL: twap timestamp went backwards: %d < %d", ts, a.TimeOfCumulativeAmount))
	}

	if ts == a.TimeOfCumulativeAmount {
		// nothing elapsed; a second observation in the same second only
		// replaces the spot value
		a.LastPrice = newPrice
		return
	}

	if a.TimeOfCumulativeAmount-a.TimeOfCumulativeAmountAtBeginningOfPeriod >= a.Period {
		a.CumulativeAmountAtBeginningOfPeriod = a.CumulativeAmount
		a.TimeOfCumulativeAmountAtBeginningOfPeriod = a.TimeOfCumulativeAmount
	}

	elapsed := ts - a.TimeOfCumulativeAmount
	a.CumulativeAmount = a.CumulativeAmount.Add(newPrice.MulInt(elapsed))
	a.TimeOfCumulativeAmount = ts
	a.LastPrice = newPrice
}

// Twap returns the windowed average, 0 if nothing was ever observed.
func (a *TwapAccumulator) Twap() fpmath.Wad {
	if !a.Observed() {
		return fpmath.Zero
	}
	window := a.TimeOfCumulativeAmount - a.TimeOfCumulativeAmountAtBeginningOfPeriod
	if window == 0 {
		return a.LastPrice
	}
	return a.CumulativeAmount.Sub(a.CumulativeAmountAtBeginningOfPeriod).DivInt(window)
}
