package state

import (
	fpmath "PerpClearing/internal/math"
	"fmt"
)

// MarketParams defines the risk and funding configuration of one market
type MarketParams struct {
	MarketID string `toml:"id" json:"market_id"`

	TwapPeriod  int64      `toml:"twap_period" json:"twap_period"` // seconds
	Sensitivity fpmath.Wad `toml:"sensitivity" json:"sensitivity"`

	MinMargin              fpmath.Wad `toml:"min_margin" json:"min_margin"`
	MinMarginAtCreation    fpmath.Wad `toml:"min_margin_at_creation" json:"min_margin_at_creation"`
	LiquidationRewardRatio fpmath.Wad `toml:"liquidation_reward_ratio" json:"liquidation_reward_ratio"`

	// SlippageTolerance bounds how far a proposed close amount may exceed the
	// exact amount the pool needs.
	SlippageTolerance fpmath.Wad `toml:"slippage_tolerance" json:"slippage_tolerance"`
	TradeFeeRatio     fpmath.Wad `toml:"trade_fee_ratio" json:"trade_fee_ratio"`

	// Reference pool setup
	PoolFeeBps        int64      `toml:"pool_fee_bps" json:"pool_fee_bps"`
	InitialIndexPrice fpmath.Wad `toml:"initial_index_price" json:"initial_index_price"`
}

// DefaultMarketParams returns the defaults for a new market
func DefaultMarketParams(marketID string) MarketParams {
	return MarketParams{
		MarketID:               marketID,
		TwapPeriod:             15 * 60,
		Sensitivity:            fpmath.One,
		MinMargin:              fpmath.MustParseWad("0.025"),
		MinMarginAtCreation:    fpmath.MustParseWad("0.1"),
		LiquidationRewardRatio: fpmath.MustParseWad("0.015"),
		SlippageTolerance:      fpmath.MustParseWad("0.01"),
		TradeFeeRatio:          fpmath.MustParseWad("0.001"),
		PoolFeeBps:             0,
		InitialIndexPrice:      fpmath.One,
	}
}

// ValidateMarketParams checks that market parameters are within valid ranges:
// 0 < min_margin < min_margin_at_creation < 1, twap_period > 0,
// sensitivity > 0, reward and fee ratios within [0, 1).
func ValidateMarketParams(p *MarketParams) error {
	if p.MarketID == "" {
		return fmt.Errorf("market id must not be empty")
	}
	if p.TwapPeriod <= 0 {
		return fmt.Errorf("twap_period must be > 0, got %d", p.TwapPeriod)
	}
	if !p.Sensitivity.IsPositive() {
		return fmt.Errorf("sensitivity must be > 0, got %s", p.Sensitivity)
	}
	if !p.MinMargin.IsPositive() {
		return fmt.Errorf("min_margin must be > 0, got %s", p.MinMargin)
	}
	if !p.MinMarginAtCreation.GreaterThan(p.MinMargin) {
		return fmt.Errorf("min_margin_at_creation (%s) must be > min_margin (%s)",
			p.MinMarginAtCreation, p.MinMargin)
	}
	if !p.MinMarginAtCreation.LessThan(fpmath.One) {
		return fmt.Errorf("min_margin_at_creation must be < 1, got %s", p.MinMarginAtCreation)
	}
	if p.LiquidationRewardRatio.IsNegative() || !p.LiquidationRewardRatio.LessThan(p.MinMargin) {
		return fmt.Errorf("liquidation_reward_ratio must be in [0, min_margin), got %s", p.LiquidationRewardRatio)
	}
	if p.SlippageTolerance.IsNegative() || !p.SlippageTolerance.LessThan(fpmath.One) {
		return fmt.Errorf("slippage_tolerance must be in [0, 1), got %s", p.SlippageTolerance)
	}
	if p.TradeFeeRatio.IsNegative() || !p.TradeFeeRatio.LessThan(fpmath.One) {
		return fmt.Errorf("trade_fee_ratio must be in [0, 1), got %s", p.TradeFeeRatio)
	}
	if p.PoolFeeBps < 0 || p.PoolFeeBps >= 10_000 {
		return fmt.Errorf("pool_fee_bps must be in [0, 10000), got %d", p.PoolFeeBps)
	}
	if !p.InitialIndexPrice.IsPositive() {
		return fmt.Errorf("initial_index_price must be > 0, got %s", p.InitialIndexPrice)
	}
	return nil
}
