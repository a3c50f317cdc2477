package kafkax

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/k1networth/orderflow/internal/shared/events"
)

// Mirror copies published envelopes to a Kafka topic for downstream
// analytics. Messages are keyed by aggregate id so one order stays on one
// partition.
type Mirror struct {
	p *Producer
}

func NewMirror(p *Producer) *Mirror {
	return &Mirror{p: p}
}

func (m *Mirror) Mirror(ctx context.Context, stream string, env events.Envelope, fields map[string]any) error {
	msg, err := MessageFor(stream, env, fields)
	if err != nil {
		return err
	}
	if err := m.p.Produce(ctx, msg); err != nil {
		return fmt.Errorf("mirror %s to kafka: %w", env.EventID, err)
	}
	return nil
}

func (m *Mirror) Close() error { return m.p.Close() }

// MessageFor builds the Kafka message for an appended envelope. The value is
// the encoded envelope exactly as stored in the stream.
func MessageFor(stream string, env events.Envelope, fields map[string]any) (kafka.Message, error) {
	body := events.RawField(fields, events.FieldEvent)
	if body == "" {
		return kafka.Message{}, fmt.Errorf("%w: no %q field for %s", events.ErrMalformedEnvelope, events.FieldEvent, env.EventID)
	}
	key := env.AggregateID
	if key == "" {
		key = env.EventID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: []byte(body),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "stream", Value: []byte(stream)},
		},
		Time: env.OccurredAt,
	}, nil
}
