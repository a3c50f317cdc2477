// Package dispatch consumes a stream through a consumer group and routes each
// entry to its registered handler with retries, dead-lettering and reclaim of
// entries abandoned by crashed consumers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/k1networth/orderflow/internal/shared/events"
	"github.com/k1networth/orderflow/internal/stream"
)

var (
	// ErrHandlerFailure wraps the last handler error of a dead-lettered event.
	ErrHandlerFailure = errors.New("handler failed")
	ErrHandlerTimeout = errors.New("handler timed out")
)

const tracerName = "github.com/k1networth/orderflow/internal/dispatch"

// ackTimeout bounds acks and dead-letter writes issued after the caller's
// context was cancelled.
const ackTimeout = 5 * time.Second

type Config struct {
	BatchSize        int
	BlockTimeout     time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	HandlerTimeout   time.Duration
	ReadErrorBackoff time.Duration
	DeadLetterStream string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Second
	}
	if c.ReadErrorBackoff <= 0 {
		c.ReadErrorBackoff = time.Second
	}
	return c
}

// Dispatcher holds everything a loop or sweeper of one group needs. One
// Dispatcher is shared by all loops of a process so that its in-flight set
// covers them all.
type Dispatcher struct {
	reader      *stream.GroupReader
	registry    *Registry
	deadLetters *stream.Publisher
	attempts    AttemptStore
	log         *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	cfg         Config

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Deps struct {
	Reader      *stream.GroupReader
	Registry    *Registry
	DeadLetters *stream.Publisher
	Attempts    AttemptStore
	Log         *slog.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer
}

func New(d Deps, cfg Config) (*Dispatcher, error) {
	if d.Reader == nil || d.Registry == nil || d.DeadLetters == nil {
		return nil, fmt.Errorf("dispatch: reader, registry and dead-letter publisher are required")
	}
	cfg = cfg.withDefaults()
	if cfg.DeadLetterStream == "" {
		return nil, fmt.Errorf("dispatch: dead-letter stream is empty")
	}
	if cfg.DeadLetterStream == d.Reader.Stream {
		return nil, fmt.Errorf("dispatch: dead-letter stream must differ from %q", d.Reader.Stream)
	}

	if d.Attempts == nil {
		d.Attempts = NewMemoryAttempts()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(tracerName)
	}

	return &Dispatcher{
		reader:      d.Reader,
		registry:    d.Registry,
		deadLetters: d.DeadLetters,
		attempts:    d.Attempts,
		log:         d.Log.With(slog.String("stream", d.Reader.Stream), slog.String("group", d.Reader.Group)),
		metrics:     d.Metrics,
		tracer:      d.Tracer,
		cfg:         cfg,
		inFlight:    make(map[string]struct{}),
	}, nil
}

func (d *Dispatcher) Config() Config { return d.cfg }

func (d *Dispatcher) Reader() *stream.GroupReader { return d.reader }

// Process handles one delivery to completion: acked after success, after a
// dead-letter write, or when no handler is registered. It returns early and
// leaves the entry pending when ctx is cancelled or the dead-letter write
// fails, and drops the delivery without touching it once consumer no longer
// owns the entry.
func (d *Dispatcher) Process(ctx context.Context, consumer string, del stream.Delivery) {
	key := del.Envelope.EventID
	if del.Err != nil || key == "" {
		key = "position:" + del.Position
	}
	if !d.acquire(key) {
		d.log.Debug("event_in_flight", slog.String("position", del.Position), slog.String("event_id", del.Envelope.EventID))
		return
	}
	defer d.release(key)

	if !d.owns(ctx, consumer, del) {
		return
	}

	// A previous owner wrote the dead letter but its ack did not land.
	if dead, err := d.attempts.DeadLettered(ctx, del.Position); err != nil {
		d.log.Warn("dead_letter_mark_read_failed", slog.String("position", del.Position), slog.String("err", err.Error()))
	} else if dead {
		d.log.Info("event_already_dead_lettered", slog.String("position", del.Position), slog.String("event_id", del.Envelope.EventID))
		d.finish(ctx, del, key, true)
		return
	}

	if del.Err != nil {
		d.log.Warn("event_malformed",
			slog.String("consumer", consumer),
			slog.String("position", del.Position),
			slog.String("err", del.Err.Error()),
		)
		d.deadLetterAndAck(ctx, consumer, del, key, del.Err, 0, "malformed")
		return
	}

	env := del.Envelope
	h, ok := d.registry.Lookup(env.EventType)
	if !ok {
		d.log.Debug("event_no_handler",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.String("position", del.Position),
		)
		d.ack(ctx, del)
		return
	}

	d.handle(ctx, consumer, del, h)
}

func (d *Dispatcher) handle(ctx context.Context, consumer string, del stream.Delivery, h Handler) {
	env := del.Envelope
	attempt := 1

	for {
		// The first attempt was covered by the check in Process.
		if attempt > 1 && !d.owns(ctx, consumer, del) {
			return
		}

		err := d.invoke(ctx, h, env, attempt)
		if err == nil {
			d.finish(ctx, del, env.EventID, false)
			return
		}
		if ctx.Err() != nil {
			return
		}

		n, aerr := d.attempts.Incr(ctx, env.EventID)
		if aerr != nil {
			d.log.Error("attempt_count_failed", slog.String("event_id", env.EventID), slog.String("err", aerr.Error()))
			n = attempt
		}

		d.log.Warn("handler_failed",
			slog.String("consumer", consumer),
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.Int("attempt", n),
			slog.Int("max_attempts", d.cfg.MaxAttempts),
			slog.String("err", err.Error()),
		)

		// A payload that fails validation will not get better on retry.
		invalid := errors.Is(err, events.ErrMalformedEnvelope)
		if n >= d.cfg.MaxAttempts || invalid {
			label := "max_attempts"
			if invalid {
				label = "invalid_payload"
			}
			if !d.owns(ctx, consumer, del) {
				return
			}
			reason := fmt.Errorf("%w: %w", ErrHandlerFailure, err)
			d.deadLetterAndAck(ctx, consumer, del, env.EventID, reason, n, label)
			return
		}

		d.metrics.retried(d.reader.Group, env.EventType)
		if !sleep(ctx, Backoff(d.cfg.RetryBackoff, d.cfg.RetryBackoffMax, n)) {
			return
		}
		attempt = n + 1
	}
}

// owns renews del for consumer and reports whether consumer still holds it.
// An entry reclaimed by a peer while it waited in this consumer's batch, or
// during a retry backoff, belongs to the peer from then on.
func (d *Dispatcher) owns(ctx context.Context, consumer string, del stream.Delivery) bool {
	ok, err := d.reader.Renew(ctx, consumer, del.Position)
	if err != nil {
		d.metrics.readFailed(d.reader.Group)
		d.log.Error("entry_renew_failed",
			slog.String("consumer", consumer),
			slog.String("position", del.Position),
			slog.String("err", err.Error()),
		)
		return false
	}
	if !ok {
		d.metrics.lost(d.reader.Group)
		d.log.Warn("entry_not_owned",
			slog.String("consumer", consumer),
			slog.String("position", del.Position),
			slog.String("event_id", del.Envelope.EventID),
		)
	}
	return ok
}

// deadLetterAndAck writes the ProcessingFailed record, marks the position so
// a later owner only acks it, and acks. Attempt state is kept until the ack
// lands.
func (d *Dispatcher) deadLetterAndAck(ctx context.Context, consumer string, del stream.Delivery, key string, cause error, attempts int, reason string) {
	if !d.deadLetter(ctx, consumer, del, cause, attempts, reason) {
		return
	}
	mctx, cancel := detached(ctx)
	err := d.attempts.MarkDeadLettered(mctx, del.Position)
	cancel()
	if err != nil {
		d.log.Warn("dead_letter_mark_failed", slog.String("position", del.Position), slog.String("err", err.Error()))
	}
	d.finish(ctx, del, key, err == nil)
}

// finish acks del and, once the ack landed, forgets its attempt state.
func (d *Dispatcher) finish(ctx context.Context, del stream.Delivery, key string, marked bool) {
	if !d.ack(ctx, del) {
		return
	}
	rctx, cancel := detached(ctx)
	defer cancel()
	if err := d.attempts.Reset(rctx, key); err != nil {
		d.log.Warn("attempt_reset_failed", slog.String("event_id", key), slog.String("err", err.Error()))
	}
	if marked {
		if err := d.attempts.ClearDeadLettered(rctx, del.Position); err != nil {
			d.log.Warn("dead_letter_mark_clear_failed", slog.String("position", del.Position), slog.String("err", err.Error()))
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, env events.Envelope, attempt int) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+env.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("messaging.destination.name", d.reader.Stream),
			attribute.String("messaging.consumer.group.name", d.reader.Group),
			attribute.String("messaging.stream.position", env.Position),
			attribute.Int("dispatch.attempt", attempt),
		),
	)
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		d.metrics.handled(d.reader.Group, env.EventType, status, time.Since(start))
		span.End()
	}()

	hctx := ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = h.Handle(hctx, env)
	// Handlers whose I/O deadline follows hctx can fail a moment before hctx
	// itself reports the deadline.
	timedOut := errors.Is(hctx.Err(), context.DeadlineExceeded) ||
		(d.cfg.HandlerTimeout > 0 && errors.Is(err, context.DeadlineExceeded))
	if err != nil && ctx.Err() == nil && timedOut {
		err = fmt.Errorf("%w after %s: %w", ErrHandlerTimeout, d.cfg.HandlerTimeout, err)
	}
	return err
}

// deadLetter publishes a ProcessingFailed record for del and reports whether
// the original may now be acknowledged.
func (d *Dispatcher) deadLetter(ctx context.Context, consumer string, del stream.Delivery, cause error, attempts int, reason string) bool {
	env := del.Envelope
	rec := events.ProcessingFailed{
		OriginalEventID:   env.EventID,
		OriginalEventType: env.EventType,
		OriginalPayload:   env.Payload,
		OriginalPosition:  del.Position,
		FailureReason:     cause.Error(),
		AttemptCount:      attempts,
		Stream:            d.reader.Stream,
		Group:             d.reader.Group,
		Consumer:          consumer,
		FailedAt:          time.Now().UTC(),
	}
	if del.Err != nil {
		rec.OriginalEventType = events.RawField(del.Fields, events.FieldEventType)
		rec.OriginalPayload = rawJSON(events.RawField(del.Fields, events.FieldEvent))
	} else {
		rec.OriginalEnvelope = rawJSON(events.RawField(del.Fields, events.FieldEvent))
	}

	opts := []events.Option{events.CausedBy(env)}
	if env.EventID == "" {
		opts = []events.Option{events.WithCorrelationID(del.Position)}
	}
	if env.Aggregate != "" {
		opts = append(opts, events.WithAggregate(env.Aggregate, env.AggregateID))
	}

	wctx, cancel := detached(ctx)
	defer cancel()
	p, err := d.deadLetters.Publish(wctx, d.cfg.DeadLetterStream, events.TypeProcessingFailed, rec, opts...)
	if err != nil {
		d.log.Error("dead_letter_failed",
			slog.String("event_id", env.EventID),
			slog.String("position", del.Position),
			slog.String("err", err.Error()),
		)
		return false
	}

	d.metrics.deadLettered(d.reader.Group, reason)
	d.log.Error("event_dead_lettered",
		slog.String("consumer", consumer),
		slog.String("event_id", env.EventID),
		slog.String("event_type", rec.OriginalEventType),
		slog.String("position", del.Position),
		slog.String("dead_letter_position", p.Position),
		slog.Int("attempt_count", attempts),
		slog.String("reason", rec.FailureReason),
	)
	return true
}

// ack reports whether the entry is no longer pending, including when a peer
// acked it first.
func (d *Dispatcher) ack(ctx context.Context, del stream.Delivery) bool {
	actx, cancel := detached(ctx)
	defer cancel()

	err := d.reader.Ack(actx, del.Position)
	if err == nil {
		return true
	}
	d.metrics.ackFailed(d.reader.Group)
	if errors.Is(err, stream.ErrUnknownPendingEntry) {
		d.log.Warn("ack_unknown_entry", slog.String("position", del.Position), slog.String("event_id", del.Envelope.EventID))
		return true
	}
	d.log.Error("ack_failed", slog.String("position", del.Position), slog.String("err", err.Error()))
	return false
}

func (d *Dispatcher) acquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[key]; busy {
		return false
	}
	d.inFlight[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, key)
}

// Backoff returns base·2^(attempt-1) capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
}

func rawJSON(s string) json.RawMessage {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
