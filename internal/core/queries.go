package core

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"encoding/hex"
)

// MarketSummary is the read model of one market.
type MarketSummary struct {
	MarketID          string     `json:"market_id"`
	Sequence          int64      `json:"sequence"`
	StateHash         string     `json:"state_hash"`
	Timestamp         int64      `json:"timestamp"`
	MarketPrice       fpmath.Wad `json:"market_price"`
	MarketTwap        fpmath.Wad `json:"market_twap"`
	IndexTwap         fpmath.Wad `json:"index_twap"`
	CumFundingRate    fpmath.Wad `json:"cum_funding_rate"`
	TimeOfLastTrade   int64      `json:"time_of_last_trade"`
	TimeOfLastFunding int64      `json:"time_of_last_funding"`
	QuoteReserve      fpmath.Wad `json:"quote_reserve"`
	BaseReserve       fpmath.Wad `json:"base_reserve"`
	LPSupply          fpmath.Wad `json:"lp_supply"`
	LongSize          fpmath.Wad `json:"long_size"`
	ShortSize         fpmath.Wad `json:"short_size"`
	Accounts          int        `json:"accounts"`
	InsuranceFund     fpmath.Wad `json:"insurance_fund"`
}

func (ch *ClearingHouse) Summary(marketID string) (MarketSummary, error) {
	m, err := ch.market(marketID)
	if err != nil {
		return MarketSummary{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	global := m.ledger.Global()
	indexTwap := m.ledger.IndexTwap()
	marketTwap := m.ledger.MarketTwap()
	tip := m.log.hasher.GetPrevHash()

	s := MarketSummary{
		MarketID:          marketID,
		Sequence:          m.log.sequence,
		StateHash:         hex.EncodeToString(tip[:]),
		Timestamp:         ch.clock.Last(marketPartition(marketID)),
		MarketPrice:       m.pool.PriceOracle(),
		MarketTwap:        marketTwap.Twap(),
		IndexTwap:         indexTwap.Twap(),
		CumFundingRate:    global.CumFundingRate,
		TimeOfLastTrade:   global.TimeOfLastTrade,
		TimeOfLastFunding: global.TimeOfLastFunding,
		QuoteReserve:      m.pool.Balances(state.QuoteIndex),
		BaseReserve:       m.pool.Balances(state.BaseIndex),
		LPSupply:          m.pool.TotalSupply(),
		LongSize:          fpmath.Zero,
		ShortSize:         fpmath.Zero,
		InsuranceFund:     ch.insurance.Balance(),
	}
	accounts := m.ledger.Accounts()
	s.Accounts = len(accounts)
	for _, id := range accounts {
		pos := m.ledger.Trader(id)
		switch pos.PositionSize.Sign() {
		case 1:
			s.LongSize = s.LongSize.Add(pos.PositionSize)
		case -1:
			s.ShortSize = s.ShortSize.Add(pos.PositionSize.Abs())
		}
	}
	return s, nil
}

// MarginRatio computes the account's margin report against committed state.
func (ch *ClearingHouse) MarginRatio(marketID string, account state.AccountID) (state.MarginReport, error) {
	m, err := ch.market(marketID)
	if err != nil {
		return state.MarginReport{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Margin(account)
}

func (ch *ClearingHouse) Position(marketID string, account state.AccountID) (state.TraderPosition, error) {
	m, err := ch.market(marketID)
	if err != nil {
		return state.TraderPosition{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Trader(account), nil
}

func (ch *ClearingHouse) LiquidityPosition(marketID string, account state.AccountID) (state.LiquidityPosition, error) {
	m, err := ch.market(marketID)
	if err != nil {
		return state.LiquidityPosition{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.Liquidity(account), nil
}

// StateHash returns the hash chain tip and last sequence of a partition.
func (ch *ClearingHouse) StateHash(partition string) ([32]byte, int64, error) {
	if partition == CollateralPartition {
		ch.collateralMu.Lock()
		defer ch.collateralMu.Unlock()
		return ch.collateralLog.hasher.GetPrevHash(), ch.collateralLog.sequence, nil
	}
	m, err := ch.market(partition)
	if err != nil {
		return [32]byte{}, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log.hasher.GetPrevHash(), m.log.sequence, nil
}

// CheckInvariants validates the collateral book: zero-sum across all
// accounts and a non-negative insurance fund.
func (ch *ClearingHouse) CheckInvariants() error {
	return ch.book.Validate()
}
