package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-amqp-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// fakeChannel records calls made through the adapter.
type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	binds      []string
	published  []amqp.Publishing
	cancelled  []string
	deliveries chan amqp.Delivery
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if durable {
		kind += "/durable"
	}

	f.exchanges = append(f.exchanges, name+":"+kind)

	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = "amq.gen-1"
	}

	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.binds = append(f.binds, name+"<-"+exchange+"/"+key)

	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, consumer)
	close(f.deliveries)

	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, msg)

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("already closed")
	}

	f.closed = true

	return nil
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func TestNewDialer_RequiresUser(t *testing.T) {
	_, err := rabbitmq.NewDialer(config.AMQP{Host: "127.0.0.1", Port: 5672}, nil)
	require.ErrorIs(t, err, berr.ErrConfiguration)

	dial, err := rabbitmq.NewDialer(config.AMQP{Host: "127.0.0.1", Port: 5672, User: "guest"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, dial)
}

func TestURL(t *testing.T) {
	cfg := config.AMQP{Host: "rabbit.local", Port: 5673, User: "svc", Password: "s3cret", VHost: "orders"}

	uri, err := amqp.ParseURI(rabbitmq.URL(cfg))
	require.NoError(t, err)
	assert.Equal(t, "rabbit.local", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "svc", uri.Username)
	assert.Equal(t, "s3cret", uri.Password)
	assert.Equal(t, "orders", uri.Vhost)
}

func TestChannel_PublishMapsEnvelope(t *testing.T) {
	fake := newFakeChannel()
	ch := rabbitmq.NewChannel(fake)

	err := ch.Publish(t.Context(), "orders", "order.created", cbus.Publishing{
		Body:          []byte(`{"id":1}`),
		ContentType:   "application/json",
		ReplyTo:       "amq.gen-1",
		CorrelationID: "c-1",
		MessageID:     "m-1",
		Headers:       map[string]string{"tenant": "t1"},
	})
	require.NoError(t, err)

	require.Len(t, fake.published, 1)
	p := fake.published[0]
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "amq.gen-1", p.ReplyTo)
	assert.Equal(t, "c-1", p.CorrelationId)
	assert.Equal(t, "m-1", p.MessageId)
	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, amqp.Table{"tenant": "t1"}, p.Headers)
}

func TestChannel_DeclareAndBind(t *testing.T) {
	fake := newFakeChannel()
	ch := rabbitmq.NewChannel(fake)

	require.NoError(t, ch.ExchangeDeclare(t.Context(), "orders", cbus.ExchangeTopic, cbus.DurableExchange))

	err := ch.ExchangeDeclare(t.Context(), "orders", cbus.ExchangeType("x-custom"), cbus.DurableExchange)
	require.ErrorIs(t, err, berr.ErrInvalidExchangeType)

	q, err := ch.QueueDeclare(t.Context(), "", cbus.QueueOptions{Exclusive: true, AutoDelete: true})
	require.NoError(t, err)
	assert.Equal(t, "amq.gen-1", q)

	require.NoError(t, ch.QueueBind(t.Context(), q, "orders", "#"))

	assert.Equal(t, []string{"orders:topic/durable"}, fake.exchanges)
	assert.Equal(t, []string{"amq.gen-1<-orders/#"}, fake.binds)
}

func TestChannel_ConsumeConvertsAndCancels(t *testing.T) {
	fake := newFakeChannel()
	ch := rabbitmq.NewChannel(fake)

	ctx, cancel := context.WithCancel(t.Context())

	out, err := ch.Consume(ctx, "q", cbus.ConsumeOptions{AutoAck: true, Tag: "worker-1"})
	require.NoError(t, err)

	fake.deliveries <- amqp.Delivery{
		Exchange:      "orders",
		RoutingKey:    "order.created",
		ReplyTo:       "r",
		CorrelationId: "c",
		ContentType:   "text/plain",
		Headers:       amqp.Table{"attempt": int32(2), "tenant": "t1"},
		Body:          []byte("hi"),
	}

	select {
	case d := <-out:
		assert.Equal(t, "orders", d.Exchange)
		assert.Equal(t, "order.created", d.RoutingKey)
		assert.Equal(t, "r", d.ReplyTo)
		assert.Equal(t, "c", d.CorrelationID)
		assert.Equal(t, map[string]string{"attempt": "2", "tenant": "t1"}, d.Headers)
		assert.Equal(t, "hi", string(d.Body))
		assert.Nil(t, d.Acknowledger)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	cancel()

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}

	fake.mu.Lock()
	assert.Equal(t, []string{"worker-1"}, fake.cancelled)
	fake.mu.Unlock()
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	fake := newFakeChannel()
	ch := rabbitmq.NewChannel(fake)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.True(t, ch.IsClosed())

	err := ch.Publish(canceledContext(t), "x", "y", cbus.Publishing{Body: []byte("z")})
	require.ErrorIs(t, err, context.Canceled)
}

func canceledContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	return ctx
}
