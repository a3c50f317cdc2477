package stream

import (
	"context"
	"time"

	"github.com/k1networth/orderflow/internal/shared/events"
)

// Delivery is one entry handed to a consumer. Err is set when the entry
// could not be decoded; Envelope is then zero except for Position.
type Delivery struct {
	Position string
	Envelope events.Envelope
	Fields   map[string]any
	Err      error
}

// GroupReader reads one stream on behalf of one consumer group.
type GroupReader struct {
	Backend Backend
	Stream  string
	Group   string
}

func (r *GroupReader) EnsureGroup(ctx context.Context, start string) error {
	return r.Backend.EnsureGroup(ctx, r.Stream, r.Group, start)
}

// Read returns up to max new entries in stream order, now pending for
// consumer. An empty result after block is not an error.
func (r *GroupReader) Read(ctx context.Context, consumer string, max int, block time.Duration) ([]Delivery, error) {
	entries, err := r.Backend.ReadGroup(ctx, r.Stream, r.Group, consumer, max, block)
	if err != nil {
		return nil, err
	}
	return decodeAll(entries), nil
}

func (r *GroupReader) Ack(ctx context.Context, position string) error {
	return r.Backend.Ack(ctx, r.Stream, r.Group, position)
}

// Renew refreshes an entry held by consumer and reports whether consumer
// still owns it.
func (r *GroupReader) Renew(ctx context.Context, consumer, position string) (bool, error) {
	return r.Backend.Renew(ctx, r.Stream, r.Group, consumer, position)
}

// Claim takes over entries that have been pending for at least minIdle.
func (r *GroupReader) Claim(ctx context.Context, consumer string, minIdle time.Duration, max int) ([]Delivery, error) {
	entries, err := r.Backend.Claim(ctx, r.Stream, r.Group, consumer, minIdle, max)
	if err != nil && len(entries) == 0 {
		return nil, err
	}
	return decodeAll(entries), err
}

func (r *GroupReader) Pending(ctx context.Context, max int) ([]PendingEntry, error) {
	return r.Backend.Pending(ctx, r.Stream, r.Group, max)
}

func (r *GroupReader) Info(ctx context.Context) (GroupInfo, bool, error) {
	groups, err := r.Backend.Groups(ctx, r.Stream)
	if err != nil {
		return GroupInfo{}, false, err
	}
	for _, g := range groups {
		if g.Name == r.Group {
			return g, true, nil
		}
	}
	return GroupInfo{}, false, nil
}

func decodeAll(entries []Entry) []Delivery {
	out := make([]Delivery, 0, len(entries))
	for _, e := range entries {
		d := Delivery{Position: e.Position, Fields: e.Fields}
		env, err := events.Decode(e.Fields)
		if err != nil {
			d.Err = err
		} else {
			env.Position = e.Position
			d.Envelope = env
		}
		out = append(out, d)
	}
	return out
}
