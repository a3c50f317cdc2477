package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/orderflow/internal/notify"
)

func TestRenderStatusMessage(t *testing.T) {
	msg := notify.NewStatusMessage("buyer@example.com", "o-1", "confirmed")
	assert.Equal(t, "Order o-1 Status Update", msg.Subject)

	body, err := notify.Render(msg)
	require.NoError(t, err)
	assert.Equal(t, "Hello,\n\nYour order has been confirmed!\n\nOrder ID: o-1\nStatus: confirmed\n\nThank you for your business!", body)
}

func TestStatusMessageFallback(t *testing.T) {
	assert.Equal(t, "Your order could not be completed.", notify.StatusMessage("failed"))
	assert.Equal(t, "Your order status has been updated to: shipped", notify.StatusMessage("shipped"))
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := notify.Render(notify.Message{Template: "welcome"})
	assert.Error(t, err)
}
