package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-process outbox used by the memory order store and tests.
type MemoryRepo struct {
	mu      sync.Mutex
	now     func() time.Time
	nextID  int64
	records []*Record
	byEvent map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{now: time.Now, byEvent: make(map[string]struct{})}
}

// WithClock replaces the repo's time source.
func (r *MemoryRepo) WithClock(now func() time.Time) *MemoryRepo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

// Add stores rec as pending and returns its id. A record whose event id is
// already stored is ignored and reported with ok=false.
func (r *MemoryRepo) Add(rec Record) (id int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byEvent[rec.EventID]; dup {
		return 0, false
	}
	r.nextID++
	rec.ID = r.nextID
	rec.Status = StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	if rec.NextRetryAt.IsZero() {
		rec.NextRetryAt = rec.CreatedAt
	}
	r.records = append(r.records, &rec)
	r.byEvent[rec.EventID] = struct{}{}
	return rec.ID, true
}

// All returns a copy of every record in insertion order.
func (r *MemoryRepo) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

func (r *MemoryRepo) ResetStuck(_ context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var n int64
	for _, rec := range r.records {
		if rec.Status == StatusProcessing && now.Sub(rec.ProcessingStartedAt) > timeout {
			rec.Status = StatusPending
			rec.ProcessingStartedAt = time.Time{}
			rec.NextRetryAt = now
			rec.LastError = "processing timeout"
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ClaimPending(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var out []Record
	for _, rec := range r.records {
		if len(out) >= limit {
			break
		}
		if rec.Status != StatusPending || rec.NextRetryAt.After(now) {
			continue
		}
		rec.Status = StatusProcessing
		rec.ProcessingStartedAt = now
		rec.Attempts++
		out = append(out, *rec)
	}
	sortOldestFirst(out)
	return out, nil
}

func (r *MemoryRepo) MarkSent(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.findLocked(id); rec != nil {
		rec.Status = StatusSent
		rec.ProcessingStartedAt = time.Time{}
		rec.LastError = ""
	}
	return nil
}

func (r *MemoryRepo) MarkFailed(_ context.Context, id int64, nextRetryAt time.Time, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.findLocked(id); rec != nil {
		rec.Status = StatusPending
		rec.ProcessingStartedAt = time.Time{}
		rec.NextRetryAt = nextRetryAt.UTC()
		rec.LastError = errMsg
	}
	return nil
}

func (r *MemoryRepo) LagSeconds(_ context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	for _, rec := range r.records {
		if rec.Status == StatusPending {
			return now.Sub(rec.CreatedAt).Seconds(), nil
		}
	}
	return 0, nil
}

func (r *MemoryRepo) Counts(_ context.Context) (map[Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Status]int64, 3)
	for _, rec := range r.records {
		out[rec.Status]++
	}
	return out, nil
}

func (r *MemoryRepo) findLocked(id int64) *Record {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}
