package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/shared/events"
)

// Handler emails the customer when an order changes status. At most one
// email is sent per (order_id, status), however often the event arrives.
type Handler struct {
	Log     *slog.Logger
	Store   Store
	Mailer  Mailer
	Metrics *Metrics
	Now     func() time.Time
}

func (h *Handler) Register(r *dispatch.Registry) error {
	return r.Register(events.TypeOrderStatusUpdated, dispatch.HandlerFunc(h.HandleStatusUpdated))
}

func (h *Handler) HandleStatusUpdated(ctx context.Context, env events.Envelope) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		h.Metrics.processed(env.EventType, status)
	}()

	p, err := events.DecodePayload[events.OrderStatusUpdated](env)
	if err != nil {
		return err
	}
	if p.UserEmail == "" {
		return fmt.Errorf("%w: %s for order %s has no user_email", events.ErrMalformedEnvelope, env.EventType, p.OrderID)
	}

	log := h.Log.With(
		slog.String("event_id", env.EventID),
		slog.String("order_id", p.OrderID),
		slog.String("status", p.Status),
	)

	done, err := h.Store.IsProcessed(ctx, env.EventID)
	if err != nil {
		return err
	}
	if done {
		log.Info("event_skip_done", slog.String("event_type", env.EventType))
		return nil
	}

	now := h.now()
	msg := NewStatusMessage(p.UserEmail, p.OrderID, p.Status)
	n, err := h.Store.Reserve(ctx, Notification{
		ID:        uuid.NewString(),
		OrderID:   p.OrderID,
		Status:    p.Status,
		Recipient: msg.To,
		Subject:   msg.Subject,
		Template:  msg.Template,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("reserve notification for order %s: %w", p.OrderID, err)
	}

	if n.State == StateSent {
		h.Metrics.email("duplicate")
		log.Info("notification_already_sent", slog.String("notification_id", n.ID))
		return h.Store.MarkProcessed(ctx, env.EventID, env.EventType, now)
	}

	if err := h.Mailer.Send(ctx, msg); err != nil {
		h.Metrics.email("failed")
		// The send may have failed because ctx expired; the failure is still recorded.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		merr := h.Store.MarkFailed(mctx, n.ID, err.Error(), h.now())
		cancel()
		if merr != nil {
			log.Error("notification_mark_failed_failed", slog.String("err", merr.Error()))
		}
		log.Warn("notification_send_failed",
			slog.String("notification_id", n.ID),
			slog.Int("attempts", n.Attempts),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}
	h.Metrics.email("sent")

	if err := h.Store.MarkSent(ctx, n.ID, env.EventID, env.EventType, h.now()); err != nil {
		return fmt.Errorf("mark notification %s sent: %w", n.ID, err)
	}
	log.Info("notification_sent",
		slog.String("notification_id", n.ID),
		slog.String("recipient", n.Recipient),
		slog.Int("attempts", n.Attempts),
	)
	return nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
