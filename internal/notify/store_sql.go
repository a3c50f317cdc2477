package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const processedScope = "notification-service"

// SQLStore keeps notifications in Postgres. Queries stay within the subset
// that SQLite also accepts.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	const q = `SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2;`
	var one int
	err := s.db.QueryRowContext(ctx, q, processedScope, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Reserve(ctx context.Context, n Notification) (Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Notification{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
INSERT INTO notifications (id, order_id, status, recipient, subject, template, state, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, '', $7, $8)
ON CONFLICT (order_id, status) DO NOTHING;
`
	if _, err := tx.ExecContext(ctx, insert,
		n.ID, n.OrderID, n.Status, n.Recipient, n.Subject, n.Template, n.CreatedAt.UTC(), n.UpdatedAt.UTC(),
	); err != nil {
		return Notification{}, fmt.Errorf("insert notification %s/%s: %w", n.OrderID, n.Status, err)
	}

	const bump = `
UPDATE notifications
SET attempts = attempts + 1, updated_at = $3
WHERE order_id = $1 AND status = $2 AND state <> 'sent';
`
	if _, err := tx.ExecContext(ctx, bump, n.OrderID, n.Status, n.UpdatedAt.UTC()); err != nil {
		return Notification{}, fmt.Errorf("reserve notification %s/%s: %w", n.OrderID, n.Status, err)
	}

	row := tx.QueryRowContext(ctx, selectNotification+` WHERE order_id = $1 AND status = $2;`, n.OrderID, n.Status)
	out, err := scanNotification(row)
	if err != nil {
		return Notification{}, err
	}
	if err := tx.Commit(); err != nil {
		return Notification{}, err
	}
	return out, nil
}

func (s *SQLStore) MarkSent(ctx context.Context, id, eventID, eventType string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
UPDATE notifications
SET state = 'sent', sent_at = $2, updated_at = $2, last_error = ''
WHERE id = $1;
`
	res, err := tx.ExecContext(ctx, q, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark notification %s sent: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := markProcessed(ctx, tx, eventID, eventType, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error {
	const q = `
UPDATE notifications
SET state = 'failed', last_error = $2, updated_at = $3
WHERE id = $1 AND state <> 'sent';
`
	_, err := s.db.ExecContext(ctx, q, id, errMsg, at.UTC())
	return err
}

func (s *SQLStore) MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	return markProcessed(ctx, s.db, eventID, eventType, at)
}

func (s *SQLStore) ForOrder(ctx context.Context, orderID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, selectNotification+` WHERE order_id = $1 ORDER BY created_at, id;`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const selectNotification = `
SELECT id, order_id, status, recipient, subject, template, state, attempts, last_error, created_at, updated_at, sent_at
FROM notifications`

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (Notification, error) {
	var n Notification
	var state string
	var sentAt sql.NullTime
	err := sc.Scan(&n.ID, &n.OrderID, &n.Status, &n.Recipient, &n.Subject, &n.Template,
		&state, &n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt, &sentAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, err
	}
	n.State = State(state)
	if sentAt.Valid {
		n.SentAt = sentAt.Time
	}
	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markProcessed(ctx context.Context, q execer, eventID, eventType string, at time.Time) error {
	const stmt = `
INSERT INTO processed_events (consumer, event_id, event_type, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (consumer, event_id) DO NOTHING;
`
	if _, err := q.ExecContext(ctx, stmt, processedScope, eventID, eventType, at.UTC()); err != nil {
		return fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	return nil
}
