package kafkax

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
)

var errClosed = errors.New("kafka producer closed")

type ProducerConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// WriteTimeout bounds one WriteMessages call. Zero means 5s.
	WriteTimeout time.Duration
	// ResetCooldown is the minimum time between two writer rebuilds.
	// Zero means 2s.
	ResetCooldown time.Duration
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ResetCooldown <= 0 {
		c.ResetCooldown = 2 * time.Second
	}
	return c
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes synchronously to one topic. When a write fails because the
// cached broker metadata went stale it rebuilds the writer and tries once
// more.
type Producer struct {
	cfg       ProducerConfig
	newWriter func(ProducerConfig) writer
	now       func() time.Time

	mu        sync.Mutex
	w         writer
	lastReset time.Time
	resets    int
}

func NewProducer(cfg ProducerConfig) *Producer {
	return newProducer(cfg, func(c ProducerConfig) writer { return newKafkaWriter(c) })
}

func newProducer(cfg ProducerConfig, mk func(ProducerConfig) writer) *Producer {
	cfg = cfg.withDefaults()
	return &Producer{cfg: cfg, newWriter: mk, now: time.Now, w: mk(cfg)}
}

func newKafkaWriter(cfg ProducerConfig) *kafka.Writer {
	// A short metadata TTL lets the writer follow broker address changes
	// without a restart.
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
		},
	}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}

// Produce writes msgs within WriteTimeout.
func (p *Producer) Produce(ctx context.Context, msgs ...kafka.Message) error {
	err := p.write(ctx, msgs)
	if err == nil || !staleMetadata(err) || ctx.Err() != nil {
		return err
	}
	if !p.reset() {
		return err
	}
	return p.write(ctx, msgs)
}

func (p *Producer) write(ctx context.Context, msgs []kafka.Message) error {
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return errClosed
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()
	return w.WriteMessages(ctx, msgs...)
}

// reset rebuilds the writer unless it was rebuilt within ResetCooldown or
// the producer is closed, and reports whether a retry makes sense.
func (p *Producer) reset() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return false
	}
	now := p.now()
	if !p.lastReset.IsZero() && now.Sub(p.lastReset) < p.cfg.ResetCooldown {
		return false
	}
	_ = p.w.Close()
	p.w = p.newWriter(p.cfg)
	p.lastReset = now
	p.resets++
	return true
}

// staleMetadata reports whether err looks like the writer is talking to
// brokers or partition leaders that moved.
func staleMetadata(err error) bool {
	if err == nil {
		return false
	}
	var we kafka.WriteErrors
	if errors.As(err, &we) {
		for _, e := range we {
			if staleMetadata(e) {
				return true
			}
		}
		return false
	}
	switch {
	case errors.Is(err, kafka.NotLeaderForPartition),
		errors.Is(err, kafka.LeaderNotAvailable),
		errors.Is(err, kafka.UnknownTopicOrPartition),
		errors.Is(err, kafka.NetworkException),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
