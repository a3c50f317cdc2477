// Package stream is the transport of the event core: an append-only log with
// consumer groups, pending entries and atomic claim of stale entries.
//
// Backend is implemented by RedisBackend (Redis Streams) and MemoryBackend.
// Publisher and GroupReader layer the envelope codec on top of a Backend.
package stream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPublishUnavailable is returned when the backend cannot accept an append.
	// Callers decide whether and how to retry.
	ErrPublishUnavailable = errors.New("stream backend unavailable")

	// ErrUnknownPendingEntry is returned by Ack when the entry is not pending
	// for any consumer of the group (already acked, or never delivered).
	ErrUnknownPendingEntry = errors.New("unknown pending entry")

	// ErrEntryNotFound is returned by Get for a position the stream does not hold.
	ErrEntryNotFound = errors.New("stream entry not found")
)

// Group start positions for EnsureGroup.
const (
	StartFromBeginning = "0"
	StartFromLatest    = "$"
)

// Entry is one stream record as stored: its position and raw field map.
type Entry struct {
	Position string
	Fields   map[string]any
}

// PendingEntry describes an entry delivered to a consumer and not yet acked.
// Idle is the time since it was last delivered or renewed.
type PendingEntry struct {
	Position   string        `json:"position"`
	Consumer   string        `json:"consumer"`
	Idle       time.Duration `json:"idle"`
	Deliveries int64         `json:"deliveries"`
}

// GroupInfo summarizes one consumer group. Lag counts entries not yet
// delivered to any consumer of the group.
type GroupInfo struct {
	Stream        string `json:"stream"`
	Name          string `json:"name"`
	Consumers     int64  `json:"consumers"`
	Pending       int64  `json:"pending"`
	LastDelivered string `json:"last_delivered"`
	Lag           int64  `json:"lag"`
}

// Appender is the write side of a Backend, used by Publisher.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]any) (string, error)
}

type Backend interface {
	Appender

	// EnsureGroup creates the group (and the stream) if missing. Calling it
	// again for an existing group is a no-op.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup returns up to count never-delivered entries and marks them
	// pending for consumer. It waits up to block when none are available and
	// then returns an empty slice without error.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error)

	Ack(ctx context.Context, stream, group, position string) error

	// Renew resets the idle time of a pending entry still owned by consumer
	// and reports whether it is. It returns false without changing anything
	// when the entry was acked or claimed by another consumer, so a consumer
	// that fell behind can drop an entry a peer has taken over.
	Renew(ctx context.Context, stream, group, consumer, position string) (bool, error)

	// Claim atomically reassigns to consumer up to count pending entries idle
	// for at least minIdle. A stale entry is won by exactly one caller.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error)
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)

	// Range lists entries strictly after the given position ("" means from
	// the beginning).
	Range(ctx context.Context, stream, after string, count int) ([]Entry, error)
	Get(ctx context.Context, stream, position string) (Entry, error)
}
