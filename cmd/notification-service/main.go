package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k1networth/orderflow/internal/admin"
	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/notify"
	"github.com/k1networth/orderflow/internal/platform"
	"github.com/k1networth/orderflow/internal/shared/config"
	"github.com/k1networth/orderflow/internal/shared/httpx"
	"github.com/k1networth/orderflow/internal/shared/logger"
)

const appName = "notification-service"

func main() {
	cfg, err := config.Load(appName)
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("service_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := platform.NewRegistry()

	streams, err := platform.OpenStreams(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := streams.Close(); err != nil {
			log.Error("streams_close_failed", slog.String("err", err.Error()))
		}
	}()

	var (
		store notify.Store
		pg    *sql.DB
	)
	if cfg.DatabaseURL != "" {
		pg, err = platform.OpenDatabase(ctx, cfg, log, reg)
		if err != nil {
			return err
		}
		defer func() { _ = pg.Close() }()
		store = notify.NewSQLStore(pg)
	} else {
		log.Warn("notification_store_memory", slog.String("hint", "set DATABASE_URL to persist notifications"))
		store = notify.NewMemoryStore()
	}

	var mailer notify.Mailer = notify.LogMailer{Log: log}
	if cfg.SMTP.Addr != "" {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Timeout:  cfg.SMTP.Timeout,
		})
		log.Info("smtp_enabled", slog.String("addr", cfg.SMTP.Addr))
	}

	handlers := dispatch.NewRegistry()
	nh := &notify.Handler{Log: log, Store: store, Mailer: mailer, Metrics: notify.NewMetrics(reg)}
	if err := nh.Register(handlers); err != nil {
		return err
	}

	d, err := platform.NewDispatcher(cfg, streams, handlers, log, reg)
	if err != nil {
		return err
	}

	router := httpx.Router{
		Log:      log,
		Metrics:  httpx.NewMetrics(reg),
		Gatherer: reg,
		Ready: func(ctx context.Context) error {
			if err := streams.Ping(ctx); err != nil {
				return err
			}
			if pg != nil {
				return pg.PingContext(ctx)
			}
			return nil
		},
	}
	h := router.Handler(
		&notify.API{Log: log, Store: store},
		&admin.Handler{
			Log:              log,
			Backend:          streams.Backend,
			Streams:          []string{cfg.EventStream},
			DeadLetterStream: cfg.Consumer.DeadLetterStream,
			Publisher:        streams.Publisher,
		},
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return platform.NewRunner(cfg, d).Run(gctx)
	})
	g.Go(func() error {
		return httpx.Serve(gctx, log, httpx.NewServer(cfg.HTTPAddr, h), 10*time.Second)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
