package persistence

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// snapshotFormat is bumped whenever core.SnapshotState changes shape.
const snapshotFormat = 1

// SnapshotRecord describes one stored snapshot.
type SnapshotRecord struct {
	ID        uuid.UUID
	SizeBytes int
	CreatedAt time.Time
}

// SnapshotStore keeps clearing house snapshots in event_log.snapshots.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save stores snap as JSON and returns its record with the encoded bytes.
func (s *SnapshotStore) Save(ctx context.Context, snap *core.SnapshotState, now time.Time) (SnapshotRecord, []byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return SnapshotRecord{}, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	rec := SnapshotRecord{ID: uuid.New(), SizeBytes: len(data), CreatedAt: now.UTC()}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots (snapshot_id, format_version, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, snapshotFormat, string(data), rec.SizeBytes, rec.CreatedAt)
	if err != nil {
		return SnapshotRecord{}, nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return rec, data, nil
}

// SetArchiveKey records where an archived copy of the snapshot lives.
func (s *SnapshotStore) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET archive_key = $2 WHERE snapshot_id = $1`, id, key)
	return err
}

// LoadLatest returns the newest snapshot, or nil when there is none.
func (s *SnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	var (
		data   []byte
		format int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`).Scan(&data, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return DecodeSnapshot(data, format)
}

// DecodeSnapshot parses a stored snapshot of the given format version.
func DecodeSnapshot(data []byte, format int) (*core.SnapshotState, error) {
	if format != snapshotFormat {
		return nil, fmt.Errorf("unsupported snapshot format %d", format)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM event_log.snapshots ORDER BY created_at DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ============================================================================
// Periodic snapshots
// ============================================================================

// SnapshotSource is implemented by core.ClearingHouse.
type SnapshotSource interface {
	Snapshot() *core.SnapshotState
}

// SnapshotSink stores an encoded snapshot; the S3 archive implements it.
type SnapshotSink interface {
	PutSnapshot(ctx context.Context, key string, data []byte) error
}

// snapshotSaver is the subset of SnapshotStore the Snapshotter uses.
type snapshotSaver interface {
	Save(ctx context.Context, snap *core.SnapshotState, now time.Time) (SnapshotRecord, []byte, error)
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error
}

// Snapshotter takes a snapshot every interval and optionally archives it.
type Snapshotter struct {
	source   SnapshotSource
	store    snapshotSaver
	archive  SnapshotSink // may be nil
	prefix   string
	interval time.Duration
	now      func() time.Time
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewSnapshotter(
	source SnapshotSource,
	store snapshotSaver,
	archive SnapshotSink,
	prefix string,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	return &Snapshotter{
		source:   source,
		store:    store,
		archive:  archive,
		prefix:   prefix,
		interval: interval,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run snapshots on every tick and once more on shutdown.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := s.TakeSnapshot(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("shutdown snapshot failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// TakeSnapshot stores one snapshot. An archive failure is logged and does
// not fail the snapshot.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (SnapshotRecord, error) {
	start := time.Now()
	snap := s.source.Snapshot()

	rec, data, err := s.store.Save(ctx, snap, s.now())
	if err != nil {
		return SnapshotRecord{}, err
	}
	if s.metrics != nil {
		s.metrics.SnapshotTaken.WithLabelValues("postgres").Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(rec.SizeBytes))
	}

	if s.archive != nil {
		key := ArchiveKey(s.prefix, rec)
		if err := s.archive.PutSnapshot(ctx, key, data); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("snapshot archive failed")
		} else {
			if err := s.store.SetArchiveKey(ctx, rec.ID, key); err != nil {
				s.logger.Warn().Err(err).Msg("record archive key")
			}
			if s.metrics != nil {
				s.metrics.SnapshotTaken.WithLabelValues("s3").Inc()
			}
		}
	}

	s.logger.Info().
		Str("snapshot_id", rec.ID.String()).
		Int("bytes", rec.SizeBytes).
		Int64("collateral_sequence", snap.Collateral.Sequence).
		Msg("snapshot stored")
	return rec, nil
}

// ArchiveKey is <prefix>/YYYY/MM/DD/<unix>-<id>.json.
func ArchiveKey(prefix string, rec SnapshotRecord) string {
	t := rec.CreatedAt.UTC()
	key := fmt.Sprintf("%s/%d-%s.json", t.Format("2006/01/02"), t.Unix(), rec.ID)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
