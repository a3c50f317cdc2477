package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Stream entry field names. Every producer and consumer must agree on these.
const (
	FieldEvent     = "event"
	FieldEventType = "event_type"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode builds a new envelope for payload and returns it with its wire fields.
func Encode(eventType string, payload any, opts ...Option) (Envelope, map[string]any, error) {
	env, err := New(eventType, payload, opts...)
	if err != nil {
		return Envelope{}, nil, err
	}
	fields, err := Fields(env)
	if err != nil {
		return Envelope{}, nil, err
	}
	return env, fields, nil
}

// Fields returns the stream entry representation of env.
func Fields(env Envelope) (map[string]any, error) {
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: event_id and event_type are required", ErrMalformedEnvelope)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", env.EventID, err)
	}
	return map[string]any{
		FieldEvent:     string(body),
		FieldEventType: env.EventType,
	}, nil
}

// Decode parses stream entry fields. The returned envelope has no Position;
// readers attach it.
func Decode(fields map[string]any) (Envelope, error) {
	body, ok := fieldBytes(fields, FieldEvent)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing %q field", ErrMalformedEnvelope, FieldEvent)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case env.EventID == "":
		return Envelope{}, fmt.Errorf("%w: missing event_id", ErrMalformedEnvelope)
	case env.EventType == "":
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrMalformedEnvelope)
	case env.OccurredAt.IsZero():
		return Envelope{}, fmt.Errorf("%w: missing occurred_at", ErrMalformedEnvelope)
	case len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")):
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	if t, ok := fieldBytes(fields, FieldEventType); ok && string(t) != env.EventType {
		return Envelope{}, fmt.Errorf("%w: event_type field %q does not match body %q", ErrMalformedEnvelope, t, env.EventType)
	}
	if env.Version == "" {
		env.Version = SchemaVersion
	}
	return env, nil
}

// DecodePayload unmarshals and validates the payload of env.
// Failures are non-retryable and wrap ErrMalformedEnvelope.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.EventType, err)
	}
	if err := validate.Struct(out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.EventType, err)
	}
	return out, nil
}

// RawField returns a field as a string for diagnostics, e.g. when a
// malformed entry is dead-lettered.
func RawField(fields map[string]any, key string) string {
	b, _ := fieldBytes(fields, key)
	return string(b)
}

func fieldBytes(fields map[string]any, key string) ([]byte, bool) {
	v, ok := fields[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	default:
		return nil, false
	}
}
