package math

// ComputePremium returns (marketTwap - indexTwap) / indexTwap.
// A zero index TWAP means no index observation yet and yields zero.
func ComputePremium(marketTwap, indexTwap Wad) Wad {
	if indexTwap.IsZero() {
		return Zero
	}
	return marketTwap.Sub(indexTwap).Div(indexTwap)
}

// ComputeFundingRateDelta evaluates
//
//	sensitivity * (sinceLastTrade * premium) * sinceLastFunding / SecondsPerDay
//
// left to right: the weighted premium is an exact integer scaling, the
// sensitivity product truncates once, and the final day division truncates
// once more.
func ComputeFundingRateDelta(premium, sensitivity Wad, sinceLastTrade, sinceLastFunding int64) Wad {
	weighted := premium.MulInt(sinceLastTrade)
	return sensitivity.Mul(weighted).MulInt(sinceLastFunding).DivInt(SecondsPerDay)
}

// ComputeFundingPayment returns (snapshot - cumFundingRate) * openNotional.
// Positive means the account is owed the amount.
func ComputeFundingPayment(snapshot, cumFundingRate, openNotional Wad) Wad {
	if openNotional.IsZero() {
		return Zero
	}
	return snapshot.Sub(cumFundingRate).Mul(openNotional)
}

// NotionalShare returns the portion of openNotional closed by ratio.
// A ratio of One returns the full notional so a full close leaves exactly zero.
func NotionalShare(openNotional, ratio Wad) Wad {
	if ratio.Equal(One) {
		return openNotional
	}
	return openNotional.Mul(ratio)
}

// ComputeRealizedPnL is the signed exit value minus the notional being closed.
// Exit value is positive for quote received (long close) and negative for
// quote paid (short close).
func ComputeRealizedPnL(signedExitValue, closedNotional Wad) Wad {
	return signedExitValue.Sub(closedNotional)
}
