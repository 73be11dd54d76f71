package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
	done   chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 16)}
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	f.acked = append(f.acked, tag)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	if requeue {
		f.nacked = append(f.nacked, tag)
	}
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcknowledger) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for ack/nack")
		}
	}
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (f *fakeConsumer) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.deliveries, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsumerMessage_AckAndNack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ack := newFakeAcknowledger()
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 2)}

	handler := func(_ context.Context, body []byte) error {
		if string(body) == "bad" {
			return errors.New("fail")
		}
		return nil
	}

	wait, err := ConsumerMessage(ctx, consumer, "payments.succeeded", discardLogger(), handler)
	require.NoError(t, err)

	consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("good")}
	consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("bad")}
	ack.wait(t, 2)

	cancel()
	wait()

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
}

func TestConsumerMessage_ClosedChannelStopsLoop(t *testing.T) {
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}
	wait, err := ConsumerMessage(context.Background(), consumer, "q", discardLogger(),
		func(context.Context, []byte) error { return nil })
	require.NoError(t, err)

	close(consumer.deliveries)

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer loop did not stop after channel close")
	}
}

func TestConsumerMessage_ConsumeError(t *testing.T) {
	consumer := &fakeConsumer{err: errors.New("channel closed")}
	wait, err := ConsumerMessage(context.Background(), consumer, "q", discardLogger(),
		func(context.Context, []byte) error { return nil })
	require.Error(t, err)
	assert.Nil(t, wait)
	assert.Contains(t, err.Error(), "rabbitmq.ConsumerMessage")
}
