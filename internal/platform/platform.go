// Package platform assembles the stream, storage and dispatch components of
// a service from its configuration.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/shared/config"
	"github.com/k1networth/orderflow/internal/shared/db"
	"github.com/k1networth/orderflow/internal/shared/kafkax"
	"github.com/k1networth/orderflow/internal/shared/redisx"
	"github.com/k1networth/orderflow/internal/stream"
)

// Streams is the stream backend of a process together with its publisher.
type Streams struct {
	Backend   stream.Backend
	Publisher *stream.Publisher
	// Redis is nil for the memory backend.
	Redis *redis.Client

	closers []func() error
}

// OpenStreams connects the configured backend and builds a publisher that
// mirrors to Kafka when brokers are configured.
func OpenStreams(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*Streams, error) {
	s := &Streams{}

	switch cfg.StreamBackend {
	case config.BackendMemory:
		log.Warn("stream_backend_memory", slog.String("hint", "entries are lost on exit and not shared between processes"))
		s.Backend = stream.NewMemoryBackend()
	case config.BackendRedis:
		rdb, err := redisx.Open(ctx, redisx.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		s.Redis = rdb
		s.closers = append(s.closers, rdb.Close)
		s.Backend = stream.NewRedisBackend(rdb, stream.WithMaxLen(cfg.StreamMaxLen))
	default:
		return nil, fmt.Errorf("unknown stream backend %q", cfg.StreamBackend)
	}

	s.Publisher = &stream.Publisher{
		Backend: s.Backend,
		Log:     log,
		Metrics: stream.NewMetrics(reg),
	}

	if cfg.KafkaMirror.Enabled() {
		p := kafkax.NewProducer(kafkax.ProducerConfig{
			Brokers:      cfg.KafkaMirror.Brokers,
			Topic:        cfg.KafkaMirror.Topic,
			ClientID:     cfg.Consumer.Name,
			WriteTimeout: cfg.KafkaMirror.WriteTimeout,
		})
		m := kafkax.NewMirror(p)
		s.Publisher.Mirror = m
		s.closers = append(s.closers, m.Close)
		log.Info("kafka_mirror_enabled", slog.String("topic", cfg.KafkaMirror.Topic))
	}
	return s, nil
}

func (s *Streams) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks the backend connection. The memory backend is always ready.
func (s *Streams) Ping(ctx context.Context) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Ping(ctx).Err()
}

// Attempts returns the attempt store for a group: shared in Redis, or local
// to the process for the memory backend.
func (s *Streams) Attempts(streamName, group string) dispatch.AttemptStore {
	if s.Redis != nil {
		return dispatch.NewRedisAttempts(s.Redis, streamName, group)
	}
	return dispatch.NewMemoryAttempts()
}

// NewDispatcher builds the dispatcher for cfg's event stream and group.
func NewDispatcher(cfg config.Config, s *Streams, handlers *dispatch.Registry, log *slog.Logger, reg prometheus.Registerer) (*dispatch.Dispatcher, error) {
	c := cfg.Consumer
	reader := &stream.GroupReader{Backend: s.Backend, Stream: cfg.EventStream, Group: c.Group}
	return dispatch.New(dispatch.Deps{
		Reader:      reader,
		Registry:    handlers,
		DeadLetters: s.Publisher,
		Attempts:    s.Attempts(cfg.EventStream, c.Group),
		Log:         log,
		Metrics:     dispatch.NewMetrics(reg),
	}, dispatch.Config{
		BatchSize:        c.BatchSize,
		BlockTimeout:     c.BlockTimeout,
		MaxAttempts:      c.MaxAttempts,
		RetryBackoff:     c.RetryBackoff,
		RetryBackoffMax:  c.RetryBackoffMax,
		HandlerTimeout:   c.HandlerTimeout,
		DeadLetterStream: c.DeadLetterStream,
	})
}

func NewRunner(cfg config.Config, d *dispatch.Dispatcher) *dispatch.Runner {
	c := cfg.Consumer
	return &dispatch.Runner{
		D:             d,
		ConsumerName:  c.Name,
		Consumers:     c.Consumers,
		GroupStart:    c.GroupStart,
		SweepInterval: c.SweepInterval,
		ClaimTimeout:  c.ClaimTimeout,
	}
}

// DatabasePool maps the DB_* settings onto the pool configuration.
func DatabasePool(cfg config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
		PingTimeout:     cfg.DB.PingTimeout,
	}
}

// OpenDatabase opens Postgres, applies migrations when DB_MIGRATE is set and
// exports the pool statistics on reg.
func OpenDatabase(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*sql.DB, error) {
	pg, err := db.Open(ctx, DatabasePool(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.DBMigrate {
		if err := db.Migrate(pg, log); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	if reg != nil {
		if err := reg.Register(collectors.NewDBStatsCollector(pg, "orderflow")); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("register db stats: %w", err)
		}
	}
	return pg, nil
}

// NewRegistry returns a Prometheus registry with the Go runtime and process
// collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
