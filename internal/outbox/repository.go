package outbox

import (
	"context"
	"sort"
	"time"
)

// Repository is the relay's view of the outbox table.
type Repository interface {
	// ResetStuck returns rows left in processing longer than timeout to pending.
	ResetStuck(ctx context.Context, timeout time.Duration) (int64, error)
	// ClaimPending moves up to limit due rows to processing and returns them
	// oldest first. Concurrent relays never claim the same row.
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error
	// LagSeconds is the age of the oldest pending row, zero when none.
	LagSeconds(ctx context.Context) (float64, error)
	// Counts returns the number of rows per status. Absent statuses have none.
	Counts(ctx context.Context) (map[Status]int64, error)
}

// UPDATE ... RETURNING does not preserve the CTE order.
func sortOldestFirst(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
