package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically claims entries left pending longer than ClaimTimeout,
// typically by a consumer that crashed, and processes them like fresh ones.
// A live consumer that was too slow loses the entry too; it notices through
// Renew and drops its copy. ClaimTimeout should exceed the time a full batch
// can take so that this stays rare.
type Sweeper struct {
	D            *Dispatcher
	Consumer     string
	Interval     time.Duration
	ClaimTimeout time.Duration
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := s.D.log.With(slog.String("consumer", s.Consumer))
	log.Info("sweeper_start", slog.Duration("interval", interval), slog.Duration("claim_timeout", s.ClaimTimeout))

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper_stop")
			return nil
		case <-t.C:
			n := s.SweepOnce(ctx)
			if n > 0 {
				log.Info("entries_reclaimed", slog.Int("count", n))
			}
		}
	}
}

// SweepOnce claims and processes one batch of stale entries, refreshes the
// group gauges and returns the number of entries claimed.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	d := s.D
	claimed, err := d.reader.Claim(ctx, s.Consumer, s.ClaimTimeout, d.cfg.BatchSize)
	if err != nil {
		d.metrics.readFailed(d.reader.Group)
		d.log.Error("stream_claim_failed", slog.String("consumer", s.Consumer), slog.String("err", err.Error()))
	}
	d.metrics.reclaimed(d.reader.Group, len(claimed))

	for _, del := range claimed {
		if ctx.Err() != nil {
			break
		}
		d.log.Info("event_reclaimed",
			slog.String("consumer", s.Consumer),
			slog.String("event_id", del.Envelope.EventID),
			slog.String("position", del.Position),
		)
		d.Process(ctx, s.Consumer, del)
	}

	s.refreshGauges(ctx)
	return len(claimed)
}

func (s *Sweeper) refreshGauges(ctx context.Context) {
	if s.D.metrics == nil || ctx.Err() != nil {
		return
	}
	info, ok, err := s.D.reader.Info(ctx)
	if err != nil {
		s.D.log.Warn("group_info_failed", slog.String("err", err.Error()))
		return
	}
	if ok {
		s.D.metrics.observeGroup(info.Stream, info.Name, info.Pending, info.Lag)
	}
}
