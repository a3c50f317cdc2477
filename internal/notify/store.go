package notify

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var ErrNotFound = errors.New("notification not found")

type Store interface {
	// IsProcessed reports whether this service already handled eventID.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Reserve returns the notification for (n.OrderID, n.Status), creating it
	// from n when absent. Unless the row is already sent, its attempt count
	// is incremented.
	Reserve(ctx context.Context, n Notification) (Notification, error)

	// MarkSent records the email as delivered and eventID as processed in one step.
	MarkSent(ctx context.Context, id, eventID, eventType string, at time.Time) error

	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) error

	MarkProcessed(ctx context.Context, eventID, eventType string, at time.Time) error

	ForOrder(ctx context.Context, orderID string) ([]Notification, error)
}

type MemoryStore struct {
	mu        sync.Mutex
	rows      map[string]*Notification
	byKey     map[[2]string]string
	processed map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:      make(map[string]*Notification),
		byKey:     make(map[[2]string]string),
		processed: make(map[string]string),
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *MemoryStore) Reserve(_ context.Context, n Notification) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{n.OrderID, n.Status}
	id, ok := s.byKey[key]
	if !ok {
		n.State = StatePending
		n.Attempts = 0
		s.rows[n.ID] = &n
		s.byKey[key] = n.ID
		id = n.ID
	}
	row := s.rows[id]
	if row.State != StateSent {
		row.Attempts++
		row.UpdatedAt = n.UpdatedAt
	}
	return *row, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id, eventID, eventType string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.State = StateSent
	row.SentAt = at.UTC()
	row.UpdatedAt = at.UTC()
	row.LastError = ""
	s.processed[eventID] = eventType
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if row.State == StateSent {
		return nil
	}
	row.State = StateFailed
	row.LastError = errMsg
	row.UpdatedAt = at.UTC()
	return nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, eventID, eventType string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = eventType
	return nil
}

func (s *MemoryStore) ForOrder(_ context.Context, orderID string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for _, row := range s.rows {
		if row.OrderID == orderID {
			out = append(out, *row)
		}
	}
	slices.SortFunc(out, func(a, b Notification) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}
