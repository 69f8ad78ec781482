package event

import (
	fpmath "PerpClearing/internal/math"
)

// TwapUpdated is emitted when both price accumulators record a new observation.
type TwapUpdated struct {
	Header
	MarketTwap  fpmath.Wad `json:"market_twap"`
	IndexTwap   fpmath.Wad `json:"index_twap"`
	MarketPrice fpmath.Wad `json:"market_price"`
	IndexPrice  fpmath.Wad `json:"index_price"`
}

func (e *TwapUpdated) EventType() EventType { return EventTypeTwapUpdated }
