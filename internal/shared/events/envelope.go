package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope produced by this module.
const SchemaVersion = "1.0"

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Aggregate     string          `json:"aggregate,omitempty"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`

	// Position is assigned by the stream on append. It is never encoded.
	Position string `json:"-"`
}

type Option func(*Envelope)

func WithEventID(id string) Option {
	return func(e *Envelope) { e.EventID = id }
}

func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) { e.OccurredAt = t.UTC() }
}

func WithAggregate(name, id string) Option {
	return func(e *Envelope) {
		e.Aggregate = name
		e.AggregateID = id
	}
}

func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// CausedBy links a derived event to the envelope that produced it.
func CausedBy(parent Envelope) Option {
	return func(e *Envelope) {
		if parent.CorrelationID != "" {
			e.CorrelationID = parent.CorrelationID
			return
		}
		e.CorrelationID = parent.EventID
	}
}

// New builds an envelope with a fresh event id and the current time.
func New(eventType string, payload any, opts ...Option) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event type is empty")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	env := Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Version:    SchemaVersion,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}
	for _, opt := range opts {
		opt(&env)
	}
	return env, nil
}
