package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k1networth/orderflow/internal/outbox"
	"github.com/k1networth/orderflow/internal/platform"
	"github.com/k1networth/orderflow/internal/shared/config"
	"github.com/k1networth/orderflow/internal/shared/httpx"
	"github.com/k1networth/orderflow/internal/shared/logger"
)

const appName = "outbox-relay"

func main() {
	cfg, err := config.Load(appName)
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		log.Error("config_error", slog.String("err", "DATABASE_URL is empty"))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := platform.NewRegistry()

	pg, err := platform.OpenDatabase(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Close(); err != nil {
			log.Error("db_close_failed", slog.String("err", err.Error()))
		}
	}()

	streams, err := platform.OpenStreams(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() { _ = streams.Close() }()

	relay := outbox.NewRelay(outbox.NewPostgresRepo(pg), streams.Publisher, log, outbox.NewMetrics(reg), outbox.RelayConfig{
		BatchSize:         cfg.Outbox.BatchSize,
		PollInterval:      cfg.Outbox.PollInterval,
		ProcessingTimeout: cfg.Outbox.ProcessingTimeout,
	})

	h := httpx.Router{
		Log:      log,
		Gatherer: reg,
		Ready: func(ctx context.Context) error {
			if err := streams.Ping(ctx); err != nil {
				return err
			}
			return pg.PingContext(ctx)
		},
	}.Handler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		return httpx.Serve(gctx, log, httpx.NewServer(cfg.HTTPAddr, h), 5*time.Second)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
