package dispatch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k1networth/orderflow/internal/stream"
)

// Runner supervises the loops and the sweeper of one process.
type Runner struct {
	D             *Dispatcher
	ConsumerName  string
	Consumers     int
	GroupStart    string
	SweepInterval time.Duration
	ClaimTimeout  time.Duration
}

// Run ensures the group exists, starts Consumers loops named
// "<ConsumerName>-<i>" and one sweeper, and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.ConsumerName == "" {
		return fmt.Errorf("dispatch: consumer name is empty")
	}
	start := r.GroupStart
	if start == "" {
		start = stream.StartFromBeginning
	}
	if err := r.D.reader.EnsureGroup(ctx, start); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}

	n := r.Consumers
	if n <= 0 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= n; i++ {
		loop := &Loop{D: r.D, Consumer: fmt.Sprintf("%s-%d", r.ConsumerName, i)}
		g.Go(func() error { return loop.Run(gctx) })
	}

	sw := &Sweeper{
		D:            r.D,
		Consumer:     r.ConsumerName + "-sweeper",
		Interval:     r.SweepInterval,
		ClaimTimeout: r.ClaimTimeout,
	}
	g.Go(func() error { return sw.Run(gctx) })

	return g.Wait()
}
