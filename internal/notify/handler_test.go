package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/notify"
	"github.com/k1networth/orderflow/internal/shared/events"
)

type recordingMailer struct {
	mu    sync.Mutex
	sent  []notify.Message
	fails int
}

func (m *recordingMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("smtp: 451 try later")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) Sent() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.sent...)
}

type handlerFixture struct {
	h       *notify.Handler
	store   notify.Store
	mailer  *recordingMailer
	metrics *notify.Metrics
}

func newHandler(t *testing.T, store notify.Store) handlerFixture {
	t.Helper()
	f := handlerFixture{
		store:   store,
		mailer:  &recordingMailer{},
		metrics: notify.NewMetrics(prometheus.NewRegistry()),
	}
	f.h = &notify.Handler{
		Log:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Store:   store,
		Mailer:  f.mailer,
		Metrics: f.metrics,
		Now:     func() time.Time { return t0 },
	}
	return f
}

func statusEvent(t *testing.T, orderID, status, email string) events.Envelope {
	t.Helper()
	env, err := events.New(events.TypeOrderStatusUpdated, events.OrderStatusUpdated{
		OrderID:        orderID,
		Status:         status,
		PreviousStatus: "created",
		UpdatedAt:      t0,
		UserEmail:      email,
	})
	require.NoError(t, err)
	return env
}

func TestHandlerSendsOneEmailPerOrderStatus(t *testing.T) {
	for name, open := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			f := newHandler(t, open(t))
			ctx := context.Background()
			env := statusEvent(t, "0123456789abcdef", "processing", "buyer@example.com")

			require.NoError(t, f.h.HandleStatusUpdated(ctx, env))
			// Redelivery of the same event.
			require.NoError(t, f.h.HandleStatusUpdated(ctx, env))
			// A different event announcing the same status.
			require.NoError(t, f.h.HandleStatusUpdated(ctx, statusEvent(t, "0123456789abcdef", "processing", "buyer@example.com")))

			sent := f.mailer.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, "buyer@example.com", sent[0].To)
			assert.Equal(t, "Order 01234567 Status Update", sent[0].Subject)
			assert.Equal(t, "Your order is now being processed.", sent[0].Data.Message)

			list, err := f.store.ForOrder(ctx, "0123456789abcdef")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, notify.StateSent, list[0].State)

			assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.EmailsTotal.WithLabelValues("sent")), 0)
			assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.EmailsTotal.WithLabelValues("duplicate")), 0)
		})
	}
}

func TestHandlerMailerFailureIsRetryable(t *testing.T) {
	for name, open := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			f := newHandler(t, open(t))
			f.mailer.fails = 1
			ctx := context.Background()
			env := statusEvent(t, "o-1", "confirmed", "buyer@example.com")

			err := f.h.HandleStatusUpdated(ctx, env)
			require.Error(t, err)
			assert.NotErrorIs(t, err, events.ErrMalformedEnvelope)

			list, err := f.store.ForOrder(ctx, "o-1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, notify.StateFailed, list[0].State)
			assert.Equal(t, "smtp: 451 try later", list[0].LastError)

			done, err := f.store.IsProcessed(ctx, env.EventID)
			require.NoError(t, err)
			assert.False(t, done, "failed send must not mark the event processed")

			require.NoError(t, f.h.HandleStatusUpdated(ctx, env))
			assert.Len(t, f.mailer.Sent(), 1)

			list, err = f.store.ForOrder(ctx, "o-1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, notify.StateSent, list[0].State)
			assert.Equal(t, 2, list[0].Attempts)
		})
	}
}

func TestHandlerRejectsEventsWithoutRecipient(t *testing.T) {
	f := newHandler(t, notify.NewMemoryStore())
	err := f.h.HandleStatusUpdated(context.Background(), statusEvent(t, "o-1", "confirmed", ""))
	require.ErrorIs(t, err, events.ErrMalformedEnvelope)
	assert.Empty(t, f.mailer.Sent())
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.ProcessedTotal.WithLabelValues(events.TypeOrderStatusUpdated, "error")), 0)
}

func TestHandlerRegistersStatusUpdates(t *testing.T) {
	f := newHandler(t, notify.NewMemoryStore())
	reg := dispatch.NewRegistry()
	require.NoError(t, f.h.Register(reg))
	assert.Equal(t, []string{events.TypeOrderStatusUpdated}, reg.Types())

	_, ok := reg.Lookup(events.TypeOrderCreated)
	assert.False(t, ok, "order creation is not a notification concern")
}
