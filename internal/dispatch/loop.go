package dispatch

import (
	"context"
	"log/slog"
)

// Loop is one named consumer of a group. Entries of a batch are processed
// sequentially in delivery order.
type Loop struct {
	D        *Dispatcher
	Consumer string
}

// Run reads and processes batches until ctx is cancelled. Entries not yet
// acknowledged at that point stay pending for the sweeper of a live peer.
func (l *Loop) Run(ctx context.Context) error {
	cfg := l.D.cfg
	log := l.D.log.With(slog.String("consumer", l.Consumer))
	log.Info("consumer_start",
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("max_attempts", cfg.MaxAttempts),
	)

	for {
		if ctx.Err() != nil {
			log.Info("consumer_stop")
			return nil
		}

		batch, err := l.D.reader.Read(ctx, l.Consumer, cfg.BatchSize, cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.D.metrics.readFailed(l.D.reader.Group)
			log.Error("stream_read_failed", slog.String("err", err.Error()))
			sleep(ctx, cfg.ReadErrorBackoff)
			continue
		}

		for _, del := range batch {
			if ctx.Err() != nil {
				break
			}
			l.D.Process(ctx, l.Consumer, del)
		}
	}
}
