package order

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/k1networth/orderflow/internal/outbox"
)

// Outcome of applying a status change.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

type StatusChange struct {
	EventID   string
	EventType string
	OrderID   string
	Status    Status
	At        time.Time
}

type StatusResult struct {
	Outcome  Outcome
	Previous Status
}

type Store interface {
	// ApplyCreated inserts o together with the derived outbox record and marks
	// eventID processed, all or nothing. It reports false without writing
	// anything else when the event was already processed or the order exists.
	ApplyCreated(ctx context.Context, eventID, eventType string, o Order, derived outbox.Record) (bool, error)

	// ApplyStatus moves an order to a new status and marks the event
	// processed. It returns ErrNotFound for an unknown order. A disallowed
	// transition is recorded as processed and reported as OutcomeRejected.
	ApplyStatus(ctx context.Context, c StatusChange) (StatusResult, error)

	Get(ctx context.Context, id string) (Order, error)
}

// MemoryStore keeps orders in memory and writes derived events into an
// outbox.MemoryRepo under the same lock.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]Order
	processed map[string]string
	outbox    *outbox.MemoryRepo
}

func NewMemoryStore(ob *outbox.MemoryRepo) *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]Order),
		processed: make(map[string]string),
		outbox:    ob,
	}
}

func (s *MemoryStore) ApplyCreated(ctx context.Context, eventID, eventType string, o Order, derived outbox.Record) (bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.processed[eventID]; done {
		return false, nil
	}
	if _, exists := s.orders[o.ID]; exists {
		s.processed[eventID] = eventType
		return false, nil
	}

	o.Items = slices.Clone(o.Items)
	s.orders[o.ID] = o
	s.outbox.Add(derived)
	s.processed[eventID] = eventType
	return true, nil
}

func (s *MemoryStore) ApplyStatus(ctx context.Context, c StatusChange) (StatusResult, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.processed[c.EventID]; done {
		return StatusResult{Outcome: OutcomeDuplicate}, nil
	}
	o, ok := s.orders[c.OrderID]
	if !ok {
		return StatusResult{}, ErrNotFound
	}

	res := StatusResult{Previous: o.Status}
	switch {
	case o.Status == c.Status:
		res.Outcome = OutcomeUnchanged
	case !CanTransition(o.Status, c.Status):
		res.Outcome = OutcomeRejected
	default:
		o.Status = c.Status
		o.UpdatedAt = c.At.UTC()
		s.orders[o.ID] = o
		res.Outcome = OutcomeApplied
	}
	s.processed[c.EventID] = c.EventType
	return res, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	o.Items = slices.Clone(o.Items)
	return o, nil
}
