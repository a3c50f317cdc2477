package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRepo is the outbox table in Postgres. Rows are written by the order
// store in the same transaction as the order change.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) ResetStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	threshold := time.Now().UTC().Add(-timeout)
	const q = `
UPDATE outbox
SET status = 'pending',
    processing_started_at = NULL,
    next_retry_at = now(),
    last_error = 'processing timeout'
WHERE status = 'processing'
  AND processing_started_at IS NOT NULL
  AND processing_started_at < $1;
`
	res, err := r.db.ExecContext(ctx, q, threshold)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck outbox rows: %w", err)
	}
	return res.RowsAffected()
}

// claimedColumns is the RETURNING list scanned by scanClaimed.
const claimedColumns = `o.id, o.event_id, o.stream, o.aggregate, o.aggregate_id, o.event_type,
          o.payload, o.created_at, o.attempts, o.processing_started_at`

// ClaimPending locks due rows with SKIP LOCKED, so relays running side by
// side split the backlog instead of racing for it.
func (r *PostgresRepo) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
WITH due AS (
  SELECT id
  FROM outbox
  WHERE status = 'pending'
    AND next_retry_at <= now()
  ORDER BY created_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET status = 'processing',
    processing_started_at = now(),
    attempts = o.attempts + 1
FROM due
WHERE o.id = due.id
RETURNING ` + claimedColumns + `;
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out, err := scanClaimed(rows)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return out, nil
}

func scanClaimed(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec := Record{Status: StatusProcessing}
		var payload []byte
		err := rows.Scan(&rec.ID, &rec.EventID, &rec.Stream, &rec.Aggregate, &rec.AggregateID,
			&rec.EventType, &payload, &rec.CreatedAt, &rec.Attempts, &rec.ProcessingStartedAt)
		if err != nil {
			return nil, fmt.Errorf("scan claimed outbox row: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) MarkSent(ctx context.Context, id int64) error {
	const q = `
UPDATE outbox
SET status = 'sent', sent_at = now(), processing_started_at = NULL, last_error = NULL
WHERE id = $1;
`
	_, err := r.db.ExecContext(ctx, q, id)
	return err
}

func (r *PostgresRepo) MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error {
	const q = `
UPDATE outbox
SET status = 'pending',
    processing_started_at = NULL,
    next_retry_at = $2,
    last_error = $3
WHERE id = $1;
`
	_, err := r.db.ExecContext(ctx, q, id, nextRetryAt.UTC(), errMsg)
	return err
}

func (r *PostgresRepo) LagSeconds(ctx context.Context) (float64, error) {
	const q = `
SELECT EXTRACT(EPOCH FROM (now() - created_at))
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT 1;
`
	var v sql.NullFloat64
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return v.Float64, nil
}

func (r *PostgresRepo) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Status]int64, 3)
	for rows.Next() {
		var (
			st Status
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}
