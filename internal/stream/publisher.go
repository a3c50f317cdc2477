package stream

import (
	"context"
	"log/slog"

	"github.com/k1networth/orderflow/internal/shared/events"
)

// Mirror receives a copy of every envelope after it was appended. It is a
// side channel: mirror failures never fail the publish.
type Mirror interface {
	Mirror(ctx context.Context, stream string, env events.Envelope, fields map[string]any) error
}

type Published struct {
	EventID  string `json:"event_id"`
	Position string `json:"position"`
}

// Publisher appends envelopes to named streams. It is safe for concurrent
// use. Sequential calls from one goroutine are appended in call order.
// It never retries: a failed append surfaces as ErrPublishUnavailable.
type Publisher struct {
	Backend Appender
	Log     *slog.Logger
	Metrics *Metrics
	Mirror  Mirror
}

func (p *Publisher) Publish(ctx context.Context, stream, eventType string, payload any, opts ...events.Option) (Published, error) {
	env, err := events.New(eventType, payload, opts...)
	if err != nil {
		return Published{}, err
	}
	return p.PublishEnvelope(ctx, stream, env)
}

// PublishEnvelope appends a pre-built envelope, keeping its event id.
func (p *Publisher) PublishEnvelope(ctx context.Context, stream string, env events.Envelope) (Published, error) {
	fields, err := events.Fields(env)
	if err != nil {
		return Published{}, err
	}

	pos, err := p.Backend.Append(ctx, stream, fields)
	if err != nil {
		p.Metrics.publishFailed(stream)
		if p.Log != nil {
			p.Log.Error("event_publish_failed",
				slog.String("stream", stream),
				slog.String("event_id", env.EventID),
				slog.String("event_type", env.EventType),
				slog.String("err", err.Error()),
			)
		}
		return Published{}, err
	}
	p.Metrics.published(stream, env.EventType)

	if p.Log != nil {
		p.Log.Debug("event_published",
			slog.String("stream", stream),
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.String("position", pos),
		)
	}

	if p.Mirror != nil {
		if err := p.Mirror.Mirror(ctx, stream, env, fields); err != nil {
			p.Metrics.mirrorFailed()
			if p.Log != nil {
				p.Log.Warn("event_mirror_failed",
					slog.String("event_id", env.EventID),
					slog.String("err", err.Error()),
				)
			}
		}
	}

	return Published{EventID: env.EventID, Position: pos}, nil
}
