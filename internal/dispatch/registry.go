package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/k1networth/orderflow/internal/shared/events"
)

var (
	ErrNoHandler        = errors.New("no handler registered")
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Handler applies one event. Returning nil means the event is done and its
// entry may be acknowledged. Handlers must tolerate redelivery of the same
// event id.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error { return f(ctx, env) }

// Registry maps event types to handlers. Build it before starting loops;
// it is read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) error {
	if eventType == "" || h == nil {
		return fmt.Errorf("register %q: empty event type or nil handler", eventType)
	}
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Registry) MustRegister(eventType string, h Handler) {
	if err := r.Register(eventType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(eventType string) (Handler, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

func (r *Registry) Dispatch(ctx context.Context, env events.Envelope) error {
	h, ok := r.Lookup(env.EventType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, env.EventType)
	}
	return h.Handle(ctx, env)
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
