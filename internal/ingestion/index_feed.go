package ingestion

import (
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/state"
	"fmt"
	"sync"
)

// IndexFeed holds the latest index price of every market. It is seeded
// from configuration and moved by IndexPrice messages.
type IndexFeed struct {
	mu      sync.RWMutex
	prices  map[string]fpmath.Wad
	updated map[string]int64
}

func NewIndexFeed(initial map[string]fpmath.Wad) *IndexFeed {
	f := &IndexFeed{
		prices:  make(map[string]fpmath.Wad, len(initial)),
		updated: make(map[string]int64, len(initial)),
	}
	for m, p := range initial {
		f.prices[m] = p
	}
	return f
}

// Set records price for market unless a newer update was already applied.
// It reports whether the price was taken.
func (f *IndexFeed) Set(market string, price fpmath.Wad, ts int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts < f.updated[market] {
		return false
	}
	f.prices[market] = price
	f.updated[market] = ts
	return true
}

// Price returns the latest price of market.
func (f *IndexFeed) Price(market string) (fpmath.Wad, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[market]
	if !ok || !p.IsPositive() {
		return fpmath.Zero, fmt.Errorf("no index price for %s", market)
	}
	return p, nil
}

// Market binds the feed to one market for state.IndexPriceFeed.
func (f *IndexFeed) Market(market string) state.IndexPriceFeed {
	return marketFeed{feed: f, market: market}
}

type marketFeed struct {
	feed   *IndexFeed
	market string
}

func (m marketFeed) IndexPrice() (fpmath.Wad, error) {
	return m.feed.Price(m.market)
}
