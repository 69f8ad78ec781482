package projection

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/event"
	"PerpClearing/internal/persistence"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// ProjectionWorker feeds the history from the fan-out channel. The channel
// drops when full; a restarted process rebuilds from the event log.
type ProjectionWorker struct {
	history *History
	input   <-chan core.CoreOutput
	logger  zerolog.Logger
}

func NewProjectionWorker(history *History, input <-chan core.CoreOutput, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{history: history, input: input, logger: logger}
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-pw.input:
			if !ok {
				return nil
			}
			pw.history.Apply(out.Envelope)
		}
	}
}

// EventSource is implemented by persistence.EventLogWriter.
type EventSource interface {
	LoadEvents(ctx context.Context, partition string, after int64, limit int) ([]persistence.EventRow, error)
}

// Rebuild replays the persisted events of each market into history.
func Rebuild(ctx context.Context, src EventSource, history *History, markets []string, logger zerolog.Logger) error {
	const page = 1000
	for _, id := range markets {
		partition := "market:" + id
		after := history.Watermark(id)
		applied := 0
		for {
			rows, err := src.LoadEvents(ctx, partition, after, page)
			if err != nil {
				return fmt.Errorf("load %s: %w", partition, err)
			}
			if len(rows) == 0 {
				break
			}
			for _, r := range rows {
				env, err := envelopeFromRow(r)
				if err != nil {
					return err
				}
				if history.Apply(env) {
					applied++
				}
				after = r.Sequence
			}
		}
		logger.Info().Str("market_id", id).Int("records", applied).Msg("projection rebuilt")
	}
	return nil
}

func envelopeFromRow(r persistence.EventRow) (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("%s seq %d: %w", r.Partition, r.Sequence, err)
	}
	evt, err := event.DecodePayload(et, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s seq %d: %w", r.Partition, r.Sequence, err)
	}
	env := &event.EventEnvelope{
		Sequence:  r.Sequence,
		EventID:   r.EventID,
		EventType: et,
		MarketID:  r.MarketID.String,
		Timestamp: r.Timestamp,
		Event:     evt,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}
