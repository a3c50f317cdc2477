package stream

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend with the same group semantics as
// Redis Streams. Every operation runs under one mutex, which makes Claim
// atomic across concurrent callers. Idle times follow the configured clock
// while blocking reads wait in real time.
type MemoryBackend struct {
	mu          sync.Mutex
	now         func() time.Time
	streams     map[string]*memStream
	unavailable error
}

type memStream struct {
	entries []Entry
	groups  map[string]*memGroup
	wake    chan struct{}
}

type memGroup struct {
	lastDelivered int
	pending       map[int]*memPending
	consumers     map[string]struct{}
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type MemoryOption func(*MemoryBackend)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		now:     time.Now,
		streams: make(map[string]*memStream),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetUnavailable makes every call fail with err until it is called with nil.
func (m *MemoryBackend) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

func (m *MemoryBackend) Append(ctx context.Context, stream string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublishUnavailable, err)
	}
	if m.unavailable != nil {
		return "", fmt.Errorf("%w: append %s: %w", ErrPublishUnavailable, stream, m.unavailable)
	}

	s := m.streamLocked(stream)
	pos := formatPosition(len(s.entries) + 1)
	s.entries = append(s.entries, Entry{Position: pos, Fields: maps.Clone(fields)})

	close(s.wake)
	s.wake = make(chan struct{})
	return pos, nil
}

func (m *MemoryBackend) EnsureGroup(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return m.unavailable
	}

	s := m.streamLocked(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}

	last := 0
	switch start {
	case "", StartFromBeginning:
	case StartFromLatest:
		last = len(s.entries)
	default:
		seq, ok := parsePosition(start)
		if !ok {
			return fmt.Errorf("invalid group start position %q", start)
		}
		last = seq
	}

	s.groups[group] = &memGroup{
		lastDelivered: last,
		pending:       make(map[int]*memPending),
		consumers:     make(map[string]struct{}),
	}
	return nil
}

func (m *MemoryBackend) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)

	for {
		m.mu.Lock()
		if m.unavailable != nil {
			err := m.unavailable
			m.mu.Unlock()
			return nil, err
		}
		s, g, err := m.groupLocked(stream, group)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		if g.lastDelivered < len(s.entries) {
			out := m.deliverLocked(s, g, consumer, count)
			m.mu.Unlock()
			return out, nil
		}
		wake := s.wake
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (m *MemoryBackend) deliverLocked(s *memStream, g *memGroup, consumer string, count int) []Entry {
	now := m.now()
	g.consumers[consumer] = struct{}{}

	var out []Entry
	for g.lastDelivered < len(s.entries) && len(out) < count {
		g.lastDelivered++
		g.pending[g.lastDelivered] = &memPending{consumer: consumer, deliveredAt: now, deliveries: 1}
		out = append(out, cloneEntry(s.entries[g.lastDelivered-1]))
	}
	return out
}

func (m *MemoryBackend) Ack(ctx context.Context, stream, group, position string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return m.unavailable
	}
	_, g, err := m.groupLocked(stream, group)
	if err != nil {
		return err
	}

	seq, ok := parsePosition(position)
	if !ok {
		return fmt.Errorf("%w: %s/%s %s", ErrUnknownPendingEntry, stream, group, position)
	}
	if _, ok := g.pending[seq]; !ok {
		return fmt.Errorf("%w: %s/%s %s", ErrUnknownPendingEntry, stream, group, position)
	}
	delete(g.pending, seq)
	return nil
}

func (m *MemoryBackend) Renew(ctx context.Context, stream, group, consumer, position string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return false, m.unavailable
	}
	_, g, err := m.groupLocked(stream, group)
	if err != nil {
		return false, err
	}
	seq, ok := parsePosition(position)
	if !ok {
		return false, nil
	}
	p, ok := g.pending[seq]
	if !ok || p.consumer != consumer {
		return false, nil
	}
	p.deliveredAt = m.now()
	return true, nil
}

func (m *MemoryBackend) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return nil, m.unavailable
	}
	s, g, err := m.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}

	now := m.now()
	var out []Entry
	for _, seq := range sortedSeqs(g.pending) {
		if len(out) >= count {
			break
		}
		p := g.pending[seq]
		if now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, cloneEntry(s.entries[seq-1]))
	}
	if len(out) > 0 {
		g.consumers[consumer] = struct{}{}
	}
	return out, nil
}

func (m *MemoryBackend) Pending(ctx context.Context, stream, group string, count int) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return nil, m.unavailable
	}
	_, g, err := m.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}

	now := m.now()
	var out []PendingEntry
	for _, seq := range sortedSeqs(g.pending) {
		if len(out) >= count {
			break
		}
		p := g.pending[seq]
		out = append(out, PendingEntry{
			Position:   formatPosition(seq),
			Consumer:   p.consumer,
			Idle:       now.Sub(p.deliveredAt),
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

func (m *MemoryBackend) Groups(ctx context.Context, stream string) ([]GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return nil, m.unavailable
	}
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}

	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]GroupInfo, 0, len(names))
	for _, name := range names {
		g := s.groups[name]
		out = append(out, GroupInfo{
			Stream:        stream,
			Name:          name,
			Consumers:     int64(len(g.consumers)),
			Pending:       int64(len(g.pending)),
			LastDelivered: formatPosition(g.lastDelivered),
			Lag:           int64(len(s.entries) - g.lastDelivered),
		})
	}
	return out, nil
}

func (m *MemoryBackend) Range(ctx context.Context, stream, after string, count int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return nil, m.unavailable
	}
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil
	}
	if count <= 0 {
		count = 100
	}

	from := 0
	if after != "" {
		seq, ok := parsePosition(after)
		if !ok {
			return nil, fmt.Errorf("invalid position %q", after)
		}
		from = seq
	}

	var out []Entry
	for i := from; i < len(s.entries) && len(out) < count; i++ {
		out = append(out, cloneEntry(s.entries[i]))
	}
	return out, nil
}

func (m *MemoryBackend) Get(ctx context.Context, stream, position string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable != nil {
		return Entry{}, m.unavailable
	}
	s, ok := m.streams[stream]
	seq, valid := parsePosition(position)
	if !ok || !valid || seq < 1 || seq > len(s.entries) {
		return Entry{}, fmt.Errorf("%w: %s %s", ErrEntryNotFound, stream, position)
	}
	return cloneEntry(s.entries[seq-1]), nil
}

func (m *MemoryBackend) streamLocked(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			wake:   make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryBackend) groupLocked(stream, group string) (*memStream, *memGroup, error) {
	s, ok := m.streams[stream]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such key %q or consumer group %q", stream, group)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such key %q or consumer group %q", stream, group)
	}
	return s, g, nil
}

func formatPosition(seq int) string {
	return strconv.Itoa(seq) + "-0"
}

func parsePosition(pos string) (int, bool) {
	head, _, _ := strings.Cut(pos, "-")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func sortedSeqs(pending map[int]*memPending) []int {
	seqs := make([]int, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

func cloneEntry(e Entry) Entry {
	return Entry{Position: e.Position, Fields: maps.Clone(e.Fields)}
}
