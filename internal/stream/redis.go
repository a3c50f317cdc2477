package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on Redis Streams (Redis >= 7 for lag reporting).
type RedisBackend struct {
	rdb    redis.Cmdable
	maxLen int64
}

type RedisOption func(*RedisBackend)

// WithMaxLen enables approximate trimming on append. Zero keeps everything.
func WithMaxLen(n int64) RedisOption {
	return func(b *RedisBackend) { b.maxLen = n }
}

func NewRedisBackend(rdb redis.Cmdable, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{rdb: rdb}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %w", ErrPublishUnavailable, stream, err)
	}
	return id, nil
}

func (b *RedisBackend) EnsureGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = StartFromBeginning
	}
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (b *RedisBackend) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    redisBlock(block),
	}

	res, err := b.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var out []Entry
	for _, s := range res {
		out = append(out, toEntries(s.Messages)...)
	}
	return out, nil
}

func (b *RedisBackend) Ack(ctx context.Context, stream, group, position string) error {
	n, err := b.rdb.XAck(ctx, stream, group, position).Result()
	if err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, position, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s %s", ErrUnknownPendingEntry, stream, group, position)
	}
	return nil
}

// Renew looks the entry up in XPENDING for consumer and then re-claims it
// with JUSTID and the idle time it just observed as min-idle. A peer claim in
// between resets the idle time below that bound, so the XCLAIM becomes a
// no-op instead of taking the entry back.
func (b *RedisBackend) Renew(ctx context.Context, stream, group, consumer, position string) (bool, error) {
	res, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    position,
		End:      position,
		Count:    1,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("xpending %s/%s %s: %w", stream, group, position, err)
	}
	if len(res) == 0 {
		return false, nil
	}

	ids, err := b.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  res[0].Idle,
		Messages: []string{position},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("xclaim %s/%s %s: %w", stream, group, position, err)
	}
	return len(ids) == 1, nil
}

func (b *RedisBackend) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}

	var out []Entry
	start := "0-0"
	for len(out) < count {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    int64(count - len(out)),
		}).Result()
		if err != nil {
			return out, fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
		}
		out = append(out, toEntries(msgs)...)
		if next == "" || next == "0-0" {
			break
		}
		start = next
	}
	return out, nil
}

func (b *RedisBackend) Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error) {
	if count <= 0 {
		count = 100
	}
	res, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			Position:   p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (b *RedisBackend) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	res, err := b.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}

	out := make([]GroupInfo, 0, len(res))
	for _, g := range res {
		out = append(out, GroupInfo{
			Stream:        stream,
			Name:          g.Name,
			Consumers:     g.Consumers,
			Pending:       g.Pending,
			LastDelivered: g.LastDeliveredID,
			Lag:           g.Lag,
		})
	}
	return out, nil
}

func (b *RedisBackend) Range(ctx context.Context, stream, after string, count int) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}
	start := "-"
	if after != "" {
		start = "(" + after
	}
	msgs, err := b.rdb.XRangeN(ctx, stream, start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

func (b *RedisBackend) Get(ctx context.Context, stream, position string) (Entry, error) {
	msgs, err := b.rdb.XRangeN(ctx, stream, position, position, 1).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("xrange %s %s: %w", stream, position, err)
	}
	if len(msgs) == 0 {
		return Entry{}, fmt.Errorf("%w: %s %s", ErrEntryNotFound, stream, position)
	}
	return toEntries(msgs)[0], nil
}

// redisBlock maps a wait duration onto XREADGROUP BLOCK semantics, where 0
// means "forever" and a negative value omits BLOCK entirely.
func redisBlock(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{Position: m.ID, Fields: m.Values})
	}
	return out
}
