package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/dispatch"
	"github.com/k1networth/orderflow/internal/shared/events"
)

func nop(context.Context, events.Envelope) error { return nil }

func TestRegistry(t *testing.T) {
	r := dispatch.NewRegistry()
	require.NoError(t, r.Register(events.TypeOrderStatusUpdated, dispatch.HandlerFunc(nop)))
	require.NoError(t, r.Register(events.TypeOrderCreated, dispatch.HandlerFunc(nop)))

	err := r.Register(events.TypeOrderCreated, dispatch.HandlerFunc(nop))
	require.ErrorIs(t, err, dispatch.ErrDuplicateHandler)
	require.Error(t, r.Register("", dispatch.HandlerFunc(nop)))

	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderStatusUpdated}, r.Types())

	_, ok := r.Lookup(events.TypeProcessingFailed)
	assert.False(t, ok)

	err = r.Dispatch(context.Background(), events.Envelope{EventType: events.TypeProcessingFailed})
	require.ErrorIs(t, err, dispatch.ErrNoHandler)
	require.NoError(t, r.Dispatch(context.Background(), events.Envelope{EventType: events.TypeOrderCreated}))

	assert.Panics(t, func() { r.MustRegister(events.TypeOrderCreated, dispatch.HandlerFunc(nop)) })
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := dispatch.NewRegistry()
	b := dispatch.NewRegistry()
	a.MustRegister(events.TypeOrderCreated, dispatch.HandlerFunc(nop))

	_, ok := b.Lookup(events.TypeOrderCreated)
	assert.False(t, ok)
}
