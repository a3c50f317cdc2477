package kafkax

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	errs     []error
	written  []kafka.Message
	deadline time.Time
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.deadline, _ = ctx.Deadline()
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

// writers hands out the queued fake writers in order.
type writers struct {
	queue []*fakeWriter
	made  int
}

func (ws *writers) next(ProducerConfig) writer {
	w := ws.queue[ws.made]
	ws.made++
	return w
}

func TestStaleMetadata(t *testing.T) {
	assert.False(t, staleMetadata(nil))
	assert.True(t, staleMetadata(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}))
	assert.True(t, staleMetadata(fmt.Errorf("write: %w", kafka.NotLeaderForPartition)))
	assert.True(t, staleMetadata(kafka.WriteErrors{nil, kafka.LeaderNotAvailable}))
	assert.False(t, staleMetadata(kafka.WriteErrors{kafka.MessageSizeTooLarge}))
	assert.False(t, staleMetadata(kafka.MessageSizeTooLarge))
}

func TestProduceRebuildsWriterOnStaleMetadata(t *testing.T) {
	first := &fakeWriter{errs: []error{kafka.NotLeaderForPartition}}
	second := &fakeWriter{}
	ws := &writers{queue: []*fakeWriter{first, second}}
	p := newProducer(ProducerConfig{Topic: "orders.mirror", WriteTimeout: time.Second}, ws.next)

	start := time.Now()
	require.NoError(t, p.Produce(context.Background(), kafka.Message{Value: []byte("x")}))

	assert.True(t, first.closed)
	assert.Empty(t, first.written)
	assert.Len(t, second.written, 1)
	assert.Equal(t, 1, p.resets)
	assert.WithinDuration(t, start.Add(time.Second), second.deadline, 500*time.Millisecond)
}

func TestProduceRebuildsAtMostOncePerCooldown(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	first := &fakeWriter{errs: []error{refused}}
	second := &fakeWriter{errs: []error{refused, refused, refused}}
	third := &fakeWriter{}
	ws := &writers{queue: []*fakeWriter{first, second, third}}
	p := newProducer(ProducerConfig{Topic: "orders.mirror"}, ws.next)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	assert.Error(t, p.Produce(context.Background(), kafka.Message{Value: []byte("a")}))
	assert.Equal(t, 1, p.resets)

	// Within the cooldown the failing writer is kept.
	now = now.Add(time.Second)
	assert.Error(t, p.Produce(context.Background(), kafka.Message{Value: []byte("b")}))
	assert.Equal(t, 1, p.resets)

	now = now.Add(2 * time.Second)
	require.NoError(t, p.Produce(context.Background(), kafka.Message{Value: []byte("c")}))
	assert.Equal(t, 2, p.resets)
	assert.Len(t, third.written, 1)
}

func TestProduceDoesNotRetryPermanentErrors(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.MessageSizeTooLarge}}
	ws := &writers{queue: []*fakeWriter{w}}
	p := newProducer(ProducerConfig{Topic: "orders.mirror"}, ws.next)

	assert.ErrorIs(t, p.Produce(context.Background(), kafka.Message{Value: []byte("x")}), kafka.MessageSizeTooLarge)
	assert.Equal(t, 1, ws.made)
}

func TestProduceAfterCloseFails(t *testing.T) {
	p := NewProducer(ProducerConfig{Brokers: []string{"localhost:9"}, Topic: "orders.mirror"})
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	err := p.Produce(context.Background(), kafka.Message{Value: []byte("x")})
	assert.ErrorIs(t, err, errClosed)
}
