package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the durable dedup tier behind the LRU. It
// remembers command keys across restarts.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 2 * time.Second}
}

// IsDuplicate checks event_log.idempotency_keys for (operation, key).
func (pic *PostgresIdempotencyChecker) IsDuplicate(operation, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var one int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1 FROM event_log.idempotency_keys
		WHERE operation = $1 AND key = $2
		LIMIT 1
	`, operation, idempotencyKey).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Record stores (operation, key). Recording a key twice is not an error.
func (pic *PostgresIdempotencyChecker) Record(operation, idempotencyKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO event_log.idempotency_keys (operation, key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, operation, idempotencyKey)
	return err
}

// RecentKeys returns the newest keys as "operation:key", for warming the LRU.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT operation, key FROM event_log.idempotency_keys
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return nil, err
		}
		keys = append(keys, op+":"+key)
	}
	return keys, rows.Err()
}
