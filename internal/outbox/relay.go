package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/k1networth/orderflow/internal/shared/events"
	"github.com/k1networth/orderflow/internal/stream"
)

// EnvelopePublisher is implemented by *stream.Publisher.
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, stream string, env events.Envelope) (stream.Published, error)
}

type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
}

// Relay moves outbox rows onto their streams. A row is marked sent only after
// the append succeeded, so a crash in between publishes it again with the
// same event id.
type Relay struct {
	repo    Repository
	pub     EnvelopePublisher
	log     *slog.Logger
	metrics *Metrics
	cfg     RelayConfig
	now     func() time.Time
}

func NewRelay(repo Repository, pub EnvelopePublisher, log *slog.Logger, m *Metrics, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	return &Relay{repo: repo, pub: pub, log: log, metrics: m, cfg: cfg, now: time.Now}
}

// WithClock replaces the relay's time source used for retry scheduling.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay_start",
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.String("poll_interval", r.cfg.PollInterval.String()),
		slog.String("processing_timeout", r.cfg.ProcessingTimeout.String()),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay_shutdown")
			return nil
		case <-ticker.C:
			// Drain full batches without waiting for the next tick.
			for {
				n := r.RunOnce(ctx)
				if n < r.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// RunOnce performs one poll and returns the number of rows claimed.
func (r *Relay) RunOnce(ctx context.Context) int {
	m := r.metrics
	m.PollsTotal.Inc()

	if n, err := r.repo.ResetStuck(ctx, r.cfg.ProcessingTimeout); err != nil {
		m.RequeueErrorsTotal.Inc()
		r.log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
	} else if n > 0 {
		m.RequeuedTotal.Add(float64(n))
		r.log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
	}

	recs, err := r.repo.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		m.ClaimErrorsTotal.Inc()
		r.log.Error("outbox_claim_failed", slog.String("err", err.Error()))
		return 0
	}
	if len(recs) == 0 {
		r.refreshGauges(ctx)
		return 0
	}
	m.ClaimedTotal.Add(float64(len(recs)))

	for _, rec := range recs {
		r.relay(ctx, rec)
	}
	r.refreshGauges(ctx)
	return len(recs)
}

func (r *Relay) relay(ctx context.Context, rec Record) {
	log := r.log.With(
		slog.Int64("id", rec.ID),
		slog.String("event_id", rec.EventID),
		slog.String("event_type", rec.EventType),
		slog.String("aggregate_id", rec.AggregateID),
		slog.Int("attempts", rec.Attempts),
	)

	env, err := rec.Envelope()
	if err == nil {
		_, err = r.pub.PublishEnvelope(ctx, rec.Stream, env)
	}
	if err != nil {
		r.metrics.FailedTotal.WithLabelValues(rec.EventType).Inc()
		next := r.now().Add(retryDelay(r.cfg.RetryBackoff, r.cfg.RetryBackoffMax, rec.Attempts))
		log.Error("outbox_publish_failed", slog.String("err", err.Error()), slog.Time("next_retry_at", next))
		if merr := r.repo.MarkFailed(ctx, rec.ID, next, err.Error()); merr != nil {
			r.metrics.MarkErrorsTotal.Inc()
			log.Error("outbox_mark_failed_failed", slog.String("err", merr.Error()))
		}
		return
	}

	if err := r.repo.MarkSent(ctx, rec.ID); err != nil {
		r.metrics.MarkErrorsTotal.Inc()
		log.Error("outbox_mark_sent_failed", slog.String("err", err.Error()))
		return
	}
	r.metrics.PublishedTotal.WithLabelValues(rec.EventType).Inc()
	log.Info("outbox_event_published", slog.String("stream", rec.Stream))
}

func (r *Relay) refreshGauges(ctx context.Context) {
	lag, err := r.repo.LagSeconds(ctx)
	if err != nil {
		r.log.Warn("outbox_lag_failed", slog.String("err", err.Error()))
	} else {
		r.metrics.LagSeconds.Set(lag)
	}

	counts, err := r.repo.Counts(ctx)
	if err != nil {
		r.log.Warn("outbox_count_failed", slog.String("err", err.Error()))
		return
	}
	for _, st := range []Status{StatusPending, StatusProcessing, StatusSent} {
		r.metrics.Records.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func retryDelay(base, limit time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}
