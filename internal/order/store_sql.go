package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/k1networth/orderflow/internal/outbox"
)

// processedScope separates this service's processed events from other
// consumers sharing the processed_events table.
const processedScope = "order-service"

// SQLStore keeps orders in Postgres. Queries stay within the subset that
// SQLite also accepts.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) ApplyCreated(ctx context.Context, eventID, eventType string, o Order, derived outbox.Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	fresh, err := markProcessed(ctx, tx, eventID, eventType, o.UpdatedAt)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	const insertOrder = `
INSERT INTO orders (order_id, user_id, status, total_amount, shipping_address, user_email, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (order_id) DO NOTHING;
`
	res, err := tx.ExecContext(ctx, insertOrder,
		o.ID, o.UserID, string(o.Status), o.TotalAmount, o.ShippingAddress, o.UserEmail,
		o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Same order under another event id: keep only the processed marker.
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}

	const insertItem = `
INSERT INTO order_items (order_id, product_id, quantity, price, name)
VALUES ($1, $2, $3, $4, $5);
`
	for _, it := range o.Items {
		if _, err := tx.ExecContext(ctx, insertItem, o.ID, it.ProductID, it.Quantity, it.Price, it.Name); err != nil {
			return false, fmt.Errorf("insert order item %s/%s: %w", o.ID, it.ProductID, err)
		}
	}

	if err := outbox.Insert(ctx, tx, derived); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) ApplyStatus(ctx context.Context, c StatusChange) (StatusResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StatusResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := markProcessed(ctx, tx, c.EventID, c.EventType, c.At)
	if err != nil {
		return StatusResult{}, err
	}
	if !fresh {
		return StatusResult{Outcome: OutcomeDuplicate}, nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id = $1;`, c.OrderID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusResult{}, ErrNotFound
		}
		return StatusResult{}, err
	}

	res := StatusResult{Previous: Status(current)}
	switch {
	case res.Previous == c.Status:
		res.Outcome = OutcomeUnchanged
	case !CanTransition(res.Previous, c.Status):
		res.Outcome = OutcomeRejected
	default:
		const q = `
UPDATE orders
SET status = $2, updated_at = $3
WHERE order_id = $1 AND status = $4;
`
		r, err := tx.ExecContext(ctx, q, c.OrderID, string(c.Status), c.At.UTC(), current)
		if err != nil {
			return StatusResult{}, fmt.Errorf("update order %s: %w", c.OrderID, err)
		}
		if n, _ := r.RowsAffected(); n != 1 {
			return StatusResult{}, fmt.Errorf("update order %s: status changed concurrently", c.OrderID)
		}
		res.Outcome = OutcomeApplied
	}

	if err := tx.Commit(); err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Order, error) {
	const q = `
SELECT order_id, user_id, status, total_amount, shipping_address, user_email, created_at, updated_at
FROM orders
WHERE order_id = $1;
`
	var out Order
	var status string
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&out.ID, &out.UserID, &status, &out.TotalAmount, &out.ShippingAddress, &out.UserEmail, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	out.Status = Status(status)

	rows, err := s.db.QueryContext(ctx, `
SELECT product_id, quantity, price, name
FROM order_items
WHERE order_id = $1
ORDER BY id;
`, id)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = rows.Close() }()

	out.Items = []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.Price, &it.Name); err != nil {
			return Order{}, err
		}
		out.Items = append(out.Items, it)
	}
	return out, rows.Err()
}

// markProcessed records eventID for this service and reports whether it was
// new.
func markProcessed(ctx context.Context, tx *sql.Tx, eventID, eventType string, at time.Time) (bool, error) {
	const q = `
INSERT INTO processed_events (consumer, event_id, event_type, processed_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (consumer, event_id) DO NOTHING;
`
	res, err := tx.ExecContext(ctx, q, processedScope, eventID, eventType, at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark event %s processed: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
