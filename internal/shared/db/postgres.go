package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig describes the connection pool behind the order and notification
// stores. Zero values take the defaults in withDefaults.
type PoolConfig struct {
	// Driver is the database/sql driver name. Empty means pgx.
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingTimeout is how long Open keeps retrying the first ping.
	PingTimeout time.Duration
	// PingInterval is the pause between ping attempts.
	PingInterval time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Driver == "" {
		c.Driver = "pgx"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 250 * time.Millisecond
	}
	return c
}

// Open opens the pool and waits until the database answers a ping. Services
// usually start next to a database that is still booting, so failed pings
// are retried until PingTimeout passes.
func Open(ctx context.Context, cfg PoolConfig, log *slog.Logger) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("DATABASE_URL is empty")
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s pool: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := waitReady(ctx, db, cfg, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("db_ready",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return db, nil
}

func waitReady(ctx context.Context, db *sql.DB, cfg PoolConfig, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		log.Warn("db_ping_failed", slog.Int("attempt", attempt), slog.String("err", err.Error()))

		t := time.NewTimer(cfg.PingInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("database not ready after %s: %w", cfg.PingTimeout, err)
		case <-t.C:
		}
	}
}
