package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/outbox"
	"github.com/k1networth/orderflow/internal/shared/events"
)

// EventHandler applies order events to the Store. Derived status events are
// written to the outbox for Stream; the relay publishes them.
type EventHandler struct {
	Log    *slog.Logger
	Store  Store
	Stream string
	Now    func() time.Time
}

func (h *EventHandler) Register(r *dispatch.Registry) error {
	if err := r.Register(events.TypeOrderCreated, dispatch.HandlerFunc(h.HandleCreated)); err != nil {
		return err
	}
	return r.Register(events.TypeOrderStatusUpdated, dispatch.HandlerFunc(h.HandleStatusUpdated))
}

// HandleCreated stores the order and moves it from created to processing.
func (h *EventHandler) HandleCreated(ctx context.Context, env events.Envelope) error {
	p, err := events.DecodePayload[events.OrderCreated](env)
	if err != nil {
		return err
	}

	now := h.now()
	o := Order{
		ID:              p.OrderID,
		UserID:          p.UserID,
		Status:          StatusCreated,
		TotalAmount:     p.Total(),
		ShippingAddress: p.ShippingAddress,
		UserEmail:       p.UserEmail,
		CreatedAt:       env.OccurredAt.UTC(),
		UpdatedAt:       now,
	}
	for _, it := range p.Items {
		o.Items = append(o.Items, Item{ProductID: it.ProductID, Quantity: it.Quantity, Price: it.Price, Name: it.Name})
	}

	previous := o.Status
	if !CanTransition(previous, StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, StatusProcessing)
	}
	o.Status = StatusProcessing

	derived, err := events.New(events.TypeOrderStatusUpdated, events.OrderStatusUpdated{
		OrderID:        o.ID,
		Status:         string(o.Status),
		PreviousStatus: string(previous),
		UpdatedAt:      now,
		UserEmail:      o.UserEmail,
	},
		events.WithOccurredAt(now),
		events.WithAggregate(events.AggregateOrder, o.ID),
		events.CausedBy(env),
	)
	if err != nil {
		return err
	}
	rec, err := outbox.NewRecord(h.Stream, derived, now)
	if err != nil {
		return err
	}

	applied, err := h.Store.ApplyCreated(ctx, env.EventID, env.EventType, o, rec)
	if err != nil {
		return fmt.Errorf("apply %s for order %s: %w", env.EventType, o.ID, err)
	}
	if !applied {
		h.Log.Info("event_skip_done",
			slog.String("event_id", env.EventID),
			slog.String("event_type", env.EventType),
			slog.String("order_id", o.ID),
		)
		return nil
	}

	h.Log.Info("order_created",
		slog.String("event_id", env.EventID),
		slog.String("order_id", o.ID),
		slog.String("status", string(o.Status)),
		slog.String("status_event_id", derived.EventID),
		slog.Float64("total_amount", o.TotalAmount),
	)
	return nil
}

// HandleStatusUpdated applies a status change made elsewhere. An unknown
// order is returned as an error so the event is retried; a disallowed
// transition is logged and dropped.
func (h *EventHandler) HandleStatusUpdated(ctx context.Context, env events.Envelope) error {
	p, err := events.DecodePayload[events.OrderStatusUpdated](env)
	if err != nil {
		return err
	}
	status, err := ParseStatus(p.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", events.ErrMalformedEnvelope, err)
	}

	at := p.UpdatedAt
	if at.IsZero() {
		at = h.now()
	}
	res, err := h.Store.ApplyStatus(ctx, StatusChange{
		EventID:   env.EventID,
		EventType: env.EventType,
		OrderID:   p.OrderID,
		Status:    status,
		At:        at,
	})
	if err != nil {
		return fmt.Errorf("apply %s for order %s: %w", env.EventType, p.OrderID, err)
	}

	log := h.Log.With(
		slog.String("event_id", env.EventID),
		slog.String("order_id", p.OrderID),
		slog.String("status", string(status)),
		slog.String("previous_status", string(res.Previous)),
	)
	switch res.Outcome {
	case OutcomeApplied:
		log.Info("order_status_updated")
	case OutcomeRejected:
		log.Warn("order_status_rejected", slog.String("err", ErrInvalidTransition.Error()))
	default:
		log.Debug("order_status_skipped", slog.String("outcome", string(res.Outcome)))
	}
	return nil
}

func (h *EventHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
