package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ConsumerConfig struct {
	Group            string
	Name             string
	Consumers        int
	GroupStart       string
	BatchSize        int
	BlockTimeout     time.Duration
	ClaimTimeout     time.Duration
	SweepInterval    time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	HandlerTimeout   time.Duration
	DeadLetterStream string
}

// BatchBudget is the longest a consumer can hold one read batch when every
// entry fails every attempt.
func (c ConsumerConfig) BatchBudget() time.Duration {
	perEntry := time.Duration(c.MaxAttempts) * (c.HandlerTimeout + c.RetryBackoffMax)
	return time.Duration(c.BatchSize) * perEntry
}

type OutboxConfig struct {
	RelayEnabled      bool
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
}

// DBConfig sizes the Postgres pool. PingTimeout bounds how long startup
// waits for the database to answer.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

type KafkaMirrorConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

func (k KafkaMirrorConfig) Enabled() bool { return len(k.Brokers) > 0 }

type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
	Timeout  time.Duration
}

type Config struct {
	AppEnv   string
	LogLevel string
	HTTPAddr string

	DatabaseURL string
	DBMigrate   bool
	DB          DBConfig

	StreamBackend string
	Redis         RedisConfig
	EventStream   string
	StreamMaxLen  int64

	Consumer    ConsumerConfig
	Outbox      OutboxConfig
	KafkaMirror KafkaMirrorConfig
	SMTP        SMTPConfig
}

// Load reads .env (variables already set in the environment win) and then
// the environment. app provides the defaults for the consumer group and
// consumer name. All invalid values are reported together.
func Load(app string) (Config, error) {
	_ = godotenv.Load()

	var r envReader
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}

	cfg := Config{
		AppEnv:   r.String("APP_ENV", "dev"),
		LogLevel: r.String("LOG_LEVEL", "info"),
		HTTPAddr: r.String("HTTP_ADDR", ":8080"),

		DatabaseURL: r.String("DATABASE_URL", ""),
		DBMigrate:   r.Bool("DB_MIGRATE", false),
		DB: DBConfig{
			MaxOpenConns:    r.Int("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    r.Int("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: r.Duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: r.Duration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			PingTimeout:     r.Duration("DB_PING_TIMEOUT", 10*time.Second),
		},

		StreamBackend: r.String("STREAM_BACKEND", BackendRedis),
		Redis: RedisConfig{
			Addr:     r.String("REDIS_ADDR", "localhost:6379"),
			Password: r.String("REDIS_PASSWORD", ""),
			DB:       r.Int("REDIS_DB", 0),
		},
		EventStream:  r.String("EVENT_STREAM", "orders"),
		StreamMaxLen: r.Int64("STREAM_MAX_LEN", 0),

		Consumer: ConsumerConfig{
			Group:           r.String("CONSUMER_GROUP", app),
			Name:            r.String("CONSUMER_NAME", app+"-"+host),
			Consumers:       r.Int("CONSUMERS", 1),
			GroupStart:      r.String("GROUP_START", "0"),
			BatchSize:       r.Int("READ_BATCH_SIZE", 10),
			BlockTimeout:    r.Duration("READ_BLOCK_TIMEOUT", 2*time.Second),
			ClaimTimeout:    r.Duration("CLAIM_TIMEOUT", 10*time.Minute),
			SweepInterval:   r.Duration("SWEEP_INTERVAL", 30*time.Second),
			MaxAttempts:     r.Int("MAX_ATTEMPTS", 3),
			RetryBackoff:    r.Duration("RETRY_BACKOFF", 200*time.Millisecond),
			RetryBackoffMax: r.Duration("RETRY_BACKOFF_MAX", 5*time.Second),
			HandlerTimeout:  r.Duration("HANDLER_TIMEOUT", 10*time.Second),
		},
		Outbox: OutboxConfig{
			RelayEnabled:      r.Bool("OUTBOX_RELAY_ENABLED", true),
			BatchSize:         r.Int("OUTBOX_BATCH_SIZE", 50),
			PollInterval:      r.Duration("OUTBOX_POLL_INTERVAL", time.Second),
			ProcessingTimeout: r.Duration("OUTBOX_PROCESSING_TIMEOUT", 30*time.Second),
		},
		KafkaMirror: KafkaMirrorConfig{
			Brokers:      r.StringsCSV("KAFKA_MIRROR_BROKERS", nil),
			Topic:        r.String("KAFKA_MIRROR_TOPIC", "orders.mirror"),
			WriteTimeout: r.Duration("KAFKA_MIRROR_WRITE_TIMEOUT", 5*time.Second),
		},
		SMTP: SMTPConfig{
			Addr:     r.String("SMTP_ADDR", ""),
			From:     r.String("SMTP_FROM", "no-reply@orderflow.local"),
			Username: r.String("SMTP_USERNAME", ""),
			Password: r.String("SMTP_PASSWORD", ""),
			Timeout:  r.Duration("SMTP_TIMEOUT", 30*time.Second),
		},
	}
	cfg.Consumer.DeadLetterStream = r.String("DEAD_LETTER_STREAM", cfg.EventStream+".dead")

	errs := r.errs
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	switch c.StreamBackend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STREAM_BACKEND=%q: want %s or %s", c.StreamBackend, BackendRedis, BackendMemory))
	}
	switch c.Consumer.GroupStart {
	case "0", "$":
	default:
		errs = append(errs, fmt.Errorf("GROUP_START=%q: want 0 or $", c.Consumer.GroupStart))
	}
	if c.Consumer.DeadLetterStream == c.EventStream {
		errs = append(errs, errors.New("DEAD_LETTER_STREAM must differ from EVENT_STREAM"))
	}
	if c.Consumer.Consumers < 1 {
		errs = append(errs, fmt.Errorf("CONSUMERS=%d: want at least 1", c.Consumer.Consumers))
	}
	if c.Consumer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS=%d: want at least 1", c.Consumer.MaxAttempts))
	}
	if c.DB.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS=%d: want at least 1", c.DB.MaxOpenConns))
	}
	if c.DB.MaxIdleConns > c.DB.MaxOpenConns {
		errs = append(errs, fmt.Errorf("DB_MAX_IDLE_CONNS=%d: must not exceed DB_MAX_OPEN_CONNS=%d", c.DB.MaxIdleConns, c.DB.MaxOpenConns))
	}
	if c.Consumer.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("READ_BATCH_SIZE=%d: want at least 1", c.Consumer.BatchSize))
	}
	// The last entry of a batch stays pending until every entry before it
	// has used up its retries. Claiming it earlier only makes the slow
	// consumer drop it.
	if budget := c.Consumer.BatchBudget(); c.Consumer.ClaimTimeout <= budget {
		errs = append(errs, fmt.Errorf("CLAIM_TIMEOUT=%s: must exceed READ_BATCH_SIZE*MAX_ATTEMPTS*(HANDLER_TIMEOUT+RETRY_BACKOFF_MAX)=%s", c.Consumer.ClaimTimeout, budget))
	}
	return errs
}
