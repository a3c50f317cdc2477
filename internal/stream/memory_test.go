package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/stream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func appendN(t *testing.T, b stream.Backend, name string, n int) []string {
	t.Helper()
	var out []string
	for i := 0; i < n; i++ {
		pos, err := b.Append(context.Background(), name, map[string]any{"i": i})
		require.NoError(t, err)
		out = append(out, pos)
	}
	return out
}

func TestMemoryEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()

	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	appendN(t, b, "orders", 2)
	got, err := b.ReadGroup(ctx, "orders", "svc", "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// A second call must not reset the cursor.
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	got, err = b.ReadGroup(ctx, "orders", "svc", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2-0", got[0].Position)
}

func TestMemoryEnsureGroupFromLatest(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	appendN(t, b, "orders", 3)

	require.NoError(t, b.EnsureGroup(ctx, "orders", "late", stream.StartFromLatest))
	got, err := b.ReadGroup(ctx, "orders", "late", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryReadGroupDeliversEachEntryOnce(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	positions := appendN(t, b, "orders", 5)

	first, err := b.ReadGroup(ctx, "orders", "svc", "c1", 3, 0)
	require.NoError(t, err)
	second, err := b.ReadGroup(ctx, "orders", "svc", "c2", 3, 0)
	require.NoError(t, err)

	require.Len(t, first, 3)
	require.Len(t, second, 2)
	var seen []string
	for _, e := range append(first, second...) {
		seen = append(seen, e.Position)
	}
	assert.Equal(t, positions, seen)

	pending, err := b.Pending(ctx, "orders", "svc", 10)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	assert.Equal(t, "c1", pending[0].Consumer)
	assert.Equal(t, "c2", pending[4].Consumer)
}

func TestMemoryReadGroupBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Append(context.Background(), "orders", map[string]any{"k": "v"})
	}()

	got, err := b.ReadGroup(ctx, "orders", "svc", "c1", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryReadGroupTimeoutIsEmpty(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))

	start := time.Now()
	got, err := b.ReadGroup(ctx, "orders", "svc", "c1", 1, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMemoryReadGroupUnknownGroup(t *testing.T) {
	b := stream.NewMemoryBackend()
	_, err := b.ReadGroup(context.Background(), "orders", "nope", "c1", 1, 0)
	require.Error(t, err)
}

func TestMemoryAck(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	positions := appendN(t, b, "orders", 2)

	// Never delivered.
	err := b.Ack(ctx, "orders", "svc", positions[0])
	require.ErrorIs(t, err, stream.ErrUnknownPendingEntry)

	_, err = b.ReadGroup(ctx, "orders", "svc", "c1", 2, 0)
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, "orders", "svc", positions[0]))
	err = b.Ack(ctx, "orders", "svc", positions[0])
	require.ErrorIs(t, err, stream.ErrUnknownPendingEntry)

	pending, err := b.Pending(ctx, "orders", "svc", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, positions[1], pending[0].Position)
}

func TestMemoryClaimRespectsIdleTime(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := stream.NewMemoryBackend(stream.WithClock(clock.Now))
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	appendN(t, b, "orders", 1)

	_, err := b.ReadGroup(ctx, "orders", "svc", "crashed", 1, 0)
	require.NoError(t, err)

	got, err := b.Claim(ctx, "orders", "svc", "survivor", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "entry is not stale yet")

	clock.Advance(2 * time.Minute)
	got, err = b.Claim(ctx, "orders", "svc", "survivor", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	pending, err := b.Pending(ctx, "orders", "svc", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "survivor", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].Deliveries)

	// Claiming resets idle time.
	got, err = b.Claim(ctx, "orders", "svc", "other", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryRenew(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := stream.NewMemoryBackend(stream.WithClock(clock.Now))
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	positions := appendN(t, b, "orders", 2)

	_, err := b.ReadGroup(ctx, "orders", "svc", "slow", 2, 0)
	require.NoError(t, err)

	// Renewing the first entry keeps it out of reach of a sweeper.
	clock.Advance(2 * time.Minute)
	ok, err := b.Renew(ctx, "orders", "svc", "slow", positions[0])
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Claim(ctx, "orders", "svc", "sweeper", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, positions[1], got[0].Position)

	ok, err = b.Renew(ctx, "orders", "svc", "slow", positions[1])
	require.NoError(t, err)
	assert.False(t, ok, "claimed entry belongs to the sweeper")

	pending, err := b.Pending(ctx, "orders", "svc", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "sweeper", pending[1].Consumer)

	require.NoError(t, b.Ack(ctx, "orders", "svc", positions[0]))
	ok, err = b.Renew(ctx, "orders", "svc", "slow", positions[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b := stream.NewMemoryBackend(stream.WithClock(clock.Now))
	require.NoError(t, b.EnsureGroup(ctx, "orders", "svc", stream.StartFromBeginning))
	appendN(t, b, "orders", 1)

	_, err := b.ReadGroup(ctx, "orders", "svc", "crashed", 1, 0)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	const sweepers = 8
	results := make([]int, sweepers)
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := b.Claim(ctx, "orders", "svc", "sweeper", time.Minute, 10)
			if err == nil {
				results[i] = len(got)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	assert.Equal(t, 1, total)
}

func TestMemoryGroupsReportsLag(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	require.NoError(t, b.EnsureGroup(ctx, "orders", "a", stream.StartFromBeginning))
	require.NoError(t, b.EnsureGroup(ctx, "orders", "b", stream.StartFromBeginning))
	appendN(t, b, "orders", 4)

	_, err := b.ReadGroup(ctx, "orders", "a", "c1", 3, 0)
	require.NoError(t, err)

	groups, err := b.Groups(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "a", groups[0].Name)
	assert.Equal(t, int64(1), groups[0].Lag)
	assert.Equal(t, int64(3), groups[0].Pending)
	assert.Equal(t, "3-0", groups[0].LastDelivered)
	assert.Equal(t, int64(1), groups[0].Consumers)

	assert.Equal(t, "b", groups[1].Name)
	assert.Equal(t, int64(4), groups[1].Lag)
	assert.Equal(t, "0-0", groups[1].LastDelivered)
}

func TestMemoryRangeAndGet(t *testing.T) {
	ctx := context.Background()
	b := stream.NewMemoryBackend()
	positions := appendN(t, b, "dead", 3)

	got, err := b.Range(ctx, "dead", "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, positions[0], got[0].Position)

	got, err = b.Range(ctx, "dead", positions[1], 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, positions[2], got[0].Position)

	e, err := b.Get(ctx, "dead", positions[1])
	require.NoError(t, err)
	assert.Equal(t, 1, e.Fields["i"])

	_, err = b.Get(ctx, "dead", "99-0")
	require.ErrorIs(t, err, stream.ErrEntryNotFound)
}

func TestMemoryUnavailable(t *testing.T) {
	b := stream.NewMemoryBackend()
	b.SetUnavailable(errors.New("connection refused"))

	_, err := b.Append(context.Background(), "orders", map[string]any{"k": "v"})
	require.ErrorIs(t, err, stream.ErrPublishUnavailable)

	b.SetUnavailable(nil)
	_, err = b.Append(context.Background(), "orders", map[string]any{"k": "v"})
	require.NoError(t, err)
}
