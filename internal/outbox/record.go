package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/k1networth/orderflow/internal/shared/events"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
)

// Record is one derived event waiting to be appended to Stream. Payload holds
// the complete encoded envelope so that every relay attempt publishes the
// same event id.
type Record struct {
	ID                  int64
	EventID             string
	Stream              string
	Aggregate           string
	AggregateID         string
	EventType           string
	Payload             json.RawMessage
	Status              Status
	Attempts            int
	NextRetryAt         time.Time
	LastError           string
	CreatedAt           time.Time
	ProcessingStartedAt time.Time
}

func NewRecord(stream string, env events.Envelope, now time.Time) (Record, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Record{}, fmt.Errorf("marshal outbox envelope %s: %w", env.EventID, err)
	}
	now = now.UTC()
	return Record{
		EventID:     env.EventID,
		Stream:      stream,
		Aggregate:   env.Aggregate,
		AggregateID: env.AggregateID,
		EventType:   env.EventType,
		Payload:     body,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
	}, nil
}

func (r Record) Envelope() (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(r.Payload, &env); err != nil {
		return events.Envelope{}, fmt.Errorf("%w: outbox record %d: %v", events.ErrMalformedEnvelope, r.ID, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return events.Envelope{}, fmt.Errorf("%w: outbox record %d has no event id or type", events.ErrMalformedEnvelope, r.ID)
	}
	return env, nil
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes rec with q, typically inside the transaction that changed
// the aggregate. A record with an event id already present is ignored.
func Insert(ctx context.Context, q Execer, rec Record) error {
	const stmt = `
INSERT INTO outbox (event_id, stream, aggregate, aggregate_id, event_type, payload, status, attempts, next_retry_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8)
ON CONFLICT (event_id) DO NOTHING;
`
	_, err := q.ExecContext(ctx, stmt,
		rec.EventID, rec.Stream, rec.Aggregate, rec.AggregateID, rec.EventType, []byte(rec.Payload),
		rec.NextRetryAt.UTC(), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", rec.EventID, err)
	}
	return nil
}
