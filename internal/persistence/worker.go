package persistence

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of rows atomically.
type BatchWriter interface {
	WriteBatch(ctx context.Context, rows []EventRow) error
}

// WorkerConfig tunes a PersistenceWorker.
type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
	// InitialBackoff and MaxBackoff bound the retry delay. Zero values
	// mean 100ms and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The clearing house sends to the persist channel with a blocking send, so
// when this worker falls behind the markets stall and no event is lost.
type PersistenceWorker struct {
	writer  BatchWriter
	input   <-chan core.CoreOutput
	cfg     WorkerConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPersistenceWorker(
	writer BatchWriter,
	input <-chan core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &PersistenceWorker{
		writer:  writer,
		input:   input,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns nil once the input channel is closed
// and drained, or ctx.Err() after a final flush of everything already
// queued on cancellation.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]EventRow, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			batch = pw.drainBuffered(batch)
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-pw.input:
			if !ok {
				flush(ctx)
				return nil
			}
			batch = append(batch, RowFromOutput(out))
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.input), cap(pw.input))
			}
			if len(batch) >= pw.cfg.BatchSize {
				flush(ctx)
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// drainBuffered appends whatever is already queued on the input.
func (pw *PersistenceWorker) drainBuffered(batch []EventRow) []EventRow {
	for {
		select {
		case out, ok := <-pw.input:
			if !ok {
				return batch
			}
			batch = append(batch, RowFromOutput(out))
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, rows []EventRow) error {
	backoff := pw.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(rows)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), rows)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.cfg.MaxBackoff {
				backoff = pw.cfg.MaxBackoff
			}
		}

		err := pw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, rows []EventRow) error {
	start := time.Now()
	if err := pw.writer.WriteBatch(ctx, rows); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistEventsWritten.Add(float64(len(rows)))
		for _, r := range rows {
			pw.metrics.PersistLastSequence.WithLabelValues(r.Partition).Set(float64(r.Sequence))
		}
	}
	return nil
}
