package persistence

import (
	"PerpClearing/internal/core"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EventRow is one row of event_log.events.
type EventRow struct {
	Partition string
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	MarketID  sql.NullString
	Account   uuid.UUID
	Payload   []byte // JSON
	StateHash []byte
	PrevHash  []byte
	Timestamp int64
}

// RowFromOutput flattens a sealed envelope into its table row.
func RowFromOutput(out core.CoreOutput) EventRow {
	env := out.Envelope
	row := EventRow{
		Partition: core.PartitionOf(env),
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.EventType.String(),
		Payload:   out.Payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: env.Timestamp,
	}
	if env.MarketID != "" {
		row.MarketID = sql.NullString{String: env.MarketID, Valid: true}
	}
	if env.Event != nil {
		row.Account = env.Event.AccountID()
	}
	return row
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes to Postgres with multi-row INSERTs and
// reads them back for verification and history.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch writes rows in one transaction. Rows already present are
// skipped, so a retried batch is harmless.
func (w *EventLogWriter) WriteBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := writeEventRows(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const eventColumns = 10

func writeEventRows(ctx context.Context, q execer, rows []EventRow) error {
	query, args := buildEventInsert(rows)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(rows), err)
	}
	return nil
}

func buildEventInsert(rows []EventRow) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.events
		(partition, sequence, event_id, event_type, market_id, account, payload, state_hash, prev_hash, ts)
		VALUES `)

	args := make([]any, 0, len(rows)*eventColumns)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * eventColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		// payload goes as text: lib/pq sends []byte as bytea
		args = append(args,
			r.Partition, r.Sequence, r.EventID, r.EventType, r.MarketID,
			r.Account, string(r.Payload), r.StateHash, r.PrevHash, r.Timestamp,
		)
	}
	b.WriteString(" ON CONFLICT (partition, sequence) DO NOTHING")
	return b.String(), args
}

// LoadEvents returns up to limit rows of partition with sequence > after.
func (w *EventLogWriter) LoadEvents(ctx context.Context, partition string, after int64, limit int) ([]EventRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT partition, sequence, event_id, event_type, market_id, account,
		       payload, state_hash, prev_hash, ts
		FROM event_log.events
		WHERE partition = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, partition, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Partition, &e.Sequence, &e.EventID, &e.EventType, &e.MarketID, &e.Account,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSequences returns the highest persisted sequence of each partition.
func (w *EventLogWriter) LastSequences(ctx context.Context) (map[string]int64, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT partition, MAX(sequence) FROM event_log.events GROUP BY partition
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var p string
		var seq int64
		if err := rows.Scan(&p, &seq); err != nil {
			return nil, err
		}
		out[p] = seq
	}
	return out, rows.Err()
}

// Partitions lists every partition present in the log.
func (w *EventLogWriter) Partitions(ctx context.Context) ([]string, error) {
	seqs, err := w.LastSequences(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seqs))
	for p := range seqs {
		out = append(out, p)
	}
	return out, nil
}

// ChainCursor tracks where a chain walk stands.
type ChainCursor struct {
	Sequence int64
	Tip      [32]byte
}

// GenesisCursor starts a walk of partition from its first event.
func GenesisCursor(partition string) ChainCursor {
	return ChainCursor{Tip: core.GenesisHash(partition)}
}

// VerifyChain checks that rows continue the chain at cur: sequences are
// contiguous and each row's prev hash is the previous row's state hash.
// It returns the cursor after the last row.
func VerifyChain(cur ChainCursor, rows []EventRow) (ChainCursor, error) {
	for _, r := range rows {
		if r.Sequence != cur.Sequence+1 {
			return cur, fmt.Errorf("%s: sequence gap: expected %d, got %d", r.Partition, cur.Sequence+1, r.Sequence)
		}
		if !bytes.Equal(r.PrevHash, cur.Tip[:]) {
			return cur, fmt.Errorf("%s: broken chain at sequence %d", r.Partition, r.Sequence)
		}
		if len(r.StateHash) != len(cur.Tip) {
			return cur, fmt.Errorf("%s: malformed state hash at sequence %d", r.Partition, r.Sequence)
		}
		cur.Sequence = r.Sequence
		copy(cur.Tip[:], r.StateHash)
	}
	return cur, nil
}

// VerifyPartition walks the whole persisted chain of partition in pages.
func (w *EventLogWriter) VerifyPartition(ctx context.Context, partition string, pageSize int) (ChainCursor, error) {
	cur := GenesisCursor(partition)
	for {
		rows, err := w.LoadEvents(ctx, partition, cur.Sequence, pageSize)
		if err != nil {
			return cur, err
		}
		if len(rows) == 0 {
			return cur, nil
		}
		if cur, err = VerifyChain(cur, rows); err != nil {
			return cur, err
		}
	}
}
