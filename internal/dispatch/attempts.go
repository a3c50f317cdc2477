package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AttemptStore counts failed handler attempts per event id. It also marks
// stream positions whose ProcessingFailed record is written but whose ack
// has not landed yet. Marks are per position so a replay of the same event
// under a new position is processed normally.
type AttemptStore interface {
	// Incr records one more attempt and returns the new total.
	Incr(ctx context.Context, eventID string) (int, error)
	Reset(ctx context.Context, eventID string) error

	MarkDeadLettered(ctx context.Context, position string) error
	DeadLettered(ctx context.Context, position string) (bool, error)
	ClearDeadLettered(ctx context.Context, position string) error
}

// RedisAttempts keeps counters in one hash per stream and group, so a
// consumer that takes over a crashed peer's entry continues its count.
type RedisAttempts struct {
	rdb redis.Cmdable
	key string
}

func NewRedisAttempts(rdb redis.Cmdable, stream, group string) *RedisAttempts {
	return &RedisAttempts{rdb: rdb, key: AttemptsKey(stream, group)}
}

func AttemptsKey(stream, group string) string {
	return stream + ":" + group + ":attempts"
}

func (a *RedisAttempts) Incr(ctx context.Context, eventID string) (int, error) {
	n, err := a.rdb.HIncrBy(ctx, a.key, eventID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s %s: %w", a.key, eventID, err)
	}
	return int(n), nil
}

func (a *RedisAttempts) Reset(ctx context.Context, eventID string) error {
	if err := a.rdb.HDel(ctx, a.key, eventID).Err(); err != nil {
		return fmt.Errorf("hdel %s %s: %w", a.key, eventID, err)
	}
	return nil
}

func (a *RedisAttempts) MarkDeadLettered(ctx context.Context, position string) error {
	if err := a.rdb.HSet(ctx, a.key, deadField(position), 1).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", a.key, deadField(position), err)
	}
	return nil
}

func (a *RedisAttempts) DeadLettered(ctx context.Context, position string) (bool, error) {
	ok, err := a.rdb.HExists(ctx, a.key, deadField(position)).Result()
	if err != nil {
		return false, fmt.Errorf("hexists %s %s: %w", a.key, deadField(position), err)
	}
	return ok, nil
}

func (a *RedisAttempts) ClearDeadLettered(ctx context.Context, position string) error {
	if err := a.rdb.HDel(ctx, a.key, deadField(position)).Err(); err != nil {
		return fmt.Errorf("hdel %s %s: %w", a.key, deadField(position), err)
	}
	return nil
}

// deadField shares the hash with the counters; event ids never carry the
// "dead:" prefix.
func deadField(position string) string { return "dead:" + position }

type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int
	dead   map[string]bool
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]int), dead: make(map[string]bool)}
}

func (a *MemoryAttempts) Incr(_ context.Context, eventID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[eventID]++
	return a.counts[eventID], nil
}

func (a *MemoryAttempts) Reset(_ context.Context, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, eventID)
	return nil
}

func (a *MemoryAttempts) MarkDeadLettered(_ context.Context, position string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dead[position] = true
	return nil
}

func (a *MemoryAttempts) DeadLettered(_ context.Context, position string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dead[position], nil
}

func (a *MemoryAttempts) ClearDeadLettered(_ context.Context, position string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.dead, position)
	return nil
}

func (a *MemoryAttempts) Get(eventID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[eventID]
}
