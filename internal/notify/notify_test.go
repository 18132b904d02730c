package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() Event {
	return Event{
		Type:        EventNewOrder,
		OrderID:     "0b6f5c1e-0000-4000-8000-000000000001",
		OrderNumber: "ORD-250615-00042",
		Status:      "pending",
		Total:       "30.00",
		Currency:    "USD",
		OccurredAt:  time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvent_JSON(t *testing.T) {
	e := testEvent()

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "new_order",
		"order_id": "0b6f5c1e-0000-4000-8000-000000000001",
		"order_number": "ORD-250615-00042",
		"status": "pending",
		"total": "30.00",
		"currency": "USD",
		"occurred_at": "2025-06-15T12:00:00Z"
	}`, string(data))

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, e, got)
}

func TestEvent_DecodeSkipsUnknownFields(t *testing.T) {
	var got Event
	err := got.UnmarshalJSON([]byte(`{"type":"status_changed","order_id":"o1","extra":{"a":[1,2]},"occurred_at":"2025-06-15T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, EventStatusChanged, got.Type)
	assert.Equal(t, "o1", got.OrderID)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelB()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(context.Background(), testEvent()))
	assert.Equal(t, EventNewOrder, (<-a).Type)
	assert.Equal(t, EventNewOrder, (<-b).Type)

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Publish(context.Background(), testEvent())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func TestMulti_AttemptsEveryPublisher(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}

	err := Multi{failing, ok, Nop{}}.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)

	require.NoError(t, Multi{ok}.Publish(context.Background(), testEvent()))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{w: w}

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "0b6f5c1e-0000-4000-8000-000000000001", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, "new_order", string(msg.Headers[0].Value))

	var got Event
	require.NoError(t, got.UnmarshalJSON(msg.Value))
	assert.Equal(t, testEvent(), got)

	w.err = errors.New("leader not available")
	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write kafka message")
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{ch: ch, exchange: "orders"}

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Equal(t, "orders", ch.exchange)
	assert.Equal(t, "new_order", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.Publish(ctx, testEvent()), context.Canceled)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
