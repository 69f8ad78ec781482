package core

import (
	"PerpClearing/internal/observability"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Fanout copies envelopes from the clearing house fan-out channel to every
// subscriber. A full subscriber loses the envelope and is counted under
// FanoutDrops; it never slows the others down.
type Fanout struct {
	in      <-chan CoreOutput
	mu      sync.Mutex
	subs    []fanoutSub
	metrics *observability.Metrics
	logger  zerolog.Logger
}

type fanoutSub struct {
	name string
	ch   chan CoreOutput
}

func NewFanout(in <-chan CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *Fanout {
	return &Fanout{in: in, metrics: metrics, logger: logger}
}

// Subscribe registers a named consumer. Call it before Run.
func (f *Fanout) Subscribe(name string, capacity int) <-chan CoreOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan CoreOutput, capacity)
	f.subs = append(f.subs, fanoutSub{name: name, ch: ch})
	return ch
}

// Run forwards until ctx ends or the input closes, then closes every
// subscriber channel.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-f.in:
			if !ok {
				return nil
			}
			f.forward(out)
		}
	}
}

func (f *Fanout) forward(out CoreOutput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case s.ch <- out:
		default:
			if f.metrics != nil {
				f.metrics.FanoutDrops.WithLabelValues(s.name).Inc()
			}
			f.logger.Debug().Str("consumer", s.name).Int64("sequence", out.Envelope.Sequence).Msg("fan-out drop")
		}
	}
}

func (f *Fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		close(s.ch)
	}
	f.subs = nil
}
