package cache

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/observability"
	"context"
	"sort"

	"github.com/rs/zerolog"
)

// SummarySource is implemented by core.ClearingHouse.
type SummarySource interface {
	Summary(marketID string) (core.MarketSummary, error)
}

// SummaryStore is implemented by SummaryCache.
type SummaryStore interface {
	Put(ctx context.Context, s *core.MarketSummary) error
}

// SummaryWriter refreshes the cached summary of every market that emitted
// an envelope. Envelopes already queued are folded into one write per
// market.
type SummaryWriter struct {
	source  SummarySource
	store   SummaryStore
	input   <-chan core.CoreOutput
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewSummaryWriter(
	source SummarySource,
	store SummaryStore,
	input <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SummaryWriter {
	return &SummaryWriter{source: source, store: store, input: input, metrics: metrics, logger: logger}
}

func (w *SummaryWriter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-w.input:
			if !ok {
				return nil
			}
			dirty := map[string]bool{}
			open := w.collect(out, dirty)
			w.refresh(ctx, dirty)
			if !open {
				return nil
			}
		}
	}
}

// collect marks the market of out and of every envelope already queued.
// It reports false once the input is closed.
func (w *SummaryWriter) collect(out core.CoreOutput, dirty map[string]bool) bool {
	mark := func(o core.CoreOutput) {
		if id := o.Envelope.MarketID; id != "" {
			dirty[id] = true
		}
	}
	mark(out)
	for {
		select {
		case o, ok := <-w.input:
			if !ok {
				return false
			}
			mark(o)
		default:
			return true
		}
	}
}

func (w *SummaryWriter) refresh(ctx context.Context, dirty map[string]bool) {
	markets := make([]string, 0, len(dirty))
	for id := range dirty {
		markets = append(markets, id)
	}
	sort.Strings(markets)

	for _, id := range markets {
		result := "ok"
		s, err := w.source.Summary(id)
		if err == nil {
			err = w.store.Put(ctx, &s)
		}
		if err != nil {
			result = "error"
			w.logger.Warn().Err(err).Str("market_id", id).Msg("summary cache write failed")
		}
		if w.metrics != nil {
			w.metrics.CacheWrites.WithLabelValues(result).Inc()
		}
	}
}
