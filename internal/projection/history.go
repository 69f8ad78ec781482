package projection

import (
	"PerpClearing/internal/event"
	fpmath "PerpClearing/internal/math"
	"sync"

	"github.com/google/uuid"
)

// FundingEntry is one funding settlement of an account.
type FundingEntry struct {
	Account        uuid.UUID  `json:"account"`
	MarketID       string     `json:"market_id"`
	Payment        fpmath.Wad `json:"payment"` // positive: received
	CumFundingRate fpmath.Wad `json:"cum_funding_rate"`
	Liquidity      bool       `json:"liquidity"`
	Sequence       int64      `json:"sequence"`
	Timestamp      int64      `json:"timestamp"`
}

// LiquidationEntry is one executed liquidation.
type LiquidationEntry struct {
	MarketID    string     `json:"market_id"`
	Account     uuid.UUID  `json:"account"`
	Liquidator  uuid.UUID  `json:"liquidator"`
	MarginRatio fpmath.Wad `json:"margin_ratio"`
	TradeAmount fpmath.Wad `json:"trade_amount"`
	RealizedPnL fpmath.Wad `json:"realized_pnl"`
	Reward      fpmath.Wad `json:"reward"`
	BadDebt     fpmath.Wad `json:"bad_debt"`
	Sequence    int64      `json:"sequence"`
	Timestamp   int64      `json:"timestamp"`
}

// History keeps the newest funding and liquidation records in memory.
// Older records are trimmed once a list exceeds its limit; the event log
// keeps everything.
type History struct {
	mu           sync.RWMutex
	funding      []FundingEntry
	liquidations []LiquidationEntry
	limit        int
	watermark    map[string]int64 // market -> last applied sequence
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 10_000
	}
	return &History{limit: limit, watermark: make(map[string]int64)}
}

// Apply records env if it is a funding or liquidation event of a market.
// Envelopes at or below the market watermark are ignored, so a rebuild
// followed by live traffic does not double count.
func (h *History) Apply(env *event.EventEnvelope) bool {
	if env.MarketID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if env.Sequence <= h.watermark[env.MarketID] {
		return false
	}
	h.watermark[env.MarketID] = env.Sequence

	switch e := env.Event.(type) {
	case *event.FundingPaid:
		h.funding = append(h.funding, FundingEntry{
			Account:        e.Account,
			MarketID:       env.MarketID,
			Payment:        e.Payment,
			CumFundingRate: e.CumFundingRate,
			Liquidity:      e.Liquidity,
			Sequence:       env.Sequence,
			Timestamp:      env.Timestamp,
		})
		if len(h.funding) > h.limit {
			h.funding = append([]FundingEntry(nil), h.funding[len(h.funding)-h.limit:]...)
		}
		return true
	case *event.LiquidationCall:
		h.liquidations = append(h.liquidations, LiquidationEntry{
			MarketID:    env.MarketID,
			Account:     e.Account,
			Liquidator:  e.Liquidator,
			MarginRatio: e.MarginRatio,
			TradeAmount: e.TradeAmount,
			RealizedPnL: e.RealizedPnL,
			Reward:      e.Reward,
			BadDebt:     e.BadDebt,
			Sequence:    env.Sequence,
			Timestamp:   env.Timestamp,
		})
		if len(h.liquidations) > h.limit {
			h.liquidations = append([]LiquidationEntry(nil), h.liquidations[len(h.liquidations)-h.limit:]...)
		}
		return true
	}
	return false
}

// Watermark returns the last sequence applied for market.
func (h *History) Watermark(market string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watermark[market]
}

// Funding returns up to limit entries of account in market, newest first.
// A nil account matches every account.
func (h *History) Funding(market string, account uuid.UUID, limit int) []FundingEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]FundingEntry, 0)
	for i := len(h.funding) - 1; i >= 0 && len(result) < limit; i-- {
		e := h.funding[i]
		if e.MarketID != market {
			continue
		}
		if account != uuid.Nil && e.Account != account {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Liquidations returns up to limit liquidations of market, newest first.
func (h *History) Liquidations(market string, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.liquidations) - 1; i >= 0 && len(result) < limit; i-- {
		if h.liquidations[i].MarketID == market {
			result = append(result, h.liquidations[i])
		}
	}
	return result
}
