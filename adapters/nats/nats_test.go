package nats_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-amqp-bus/adapters/nats"
	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

type fakeSub struct {
	subject string
	group   string
	ch      chan *natsgo.Msg

	t *fakeTransport
}

func (s *fakeSub) Unsubscribe() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()

	for i, cur := range s.t.subs {
		if cur == s {
			s.t.subs = append(s.t.subs[:i], s.t.subs[i+1:]...)

			break
		}
	}

	return nil
}

// fakeTransport routes published messages to matching subscriptions in process.
// Only the first subscriber of a queue group receives a message.
type fakeTransport struct {
	mu        sync.Mutex
	subs      []*fakeSub
	published []*natsgo.Msg
	closed    bool
}

func (f *fakeTransport) Publish(m *natsgo.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, m)

	groups := map[string]bool{}
	for _, s := range f.subs {
		if !subjectMatch(s.subject, m.Subject) {
			continue
		}

		if s.group != "" {
			if groups[s.group] {
				continue
			}

			groups[s.group] = true
		}

		s.ch <- m
	}

	return nil
}

func (f *fakeTransport) Subscribe(subject, group string, ch chan *natsgo.Msg) (nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &fakeSub{subject: subject, group: group, ch: ch, t: f}
	f.subs = append(f.subs, s)

	return s, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeTransport) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.subject+"|"+s.group)
	}

	return out
}

func subjectMatch(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")

	for i, w := range p {
		if w == ">" {
			return len(s) > i
		}

		if i >= len(s) || (w != "*" && w != s[i]) {
			return false
		}
	}

	return len(p) == len(s)
}

func openChannel(t *testing.T, tr *fakeTransport) cbus.Channel {
	t.Helper()

	ch, err := nats.NewConnection(tr).Channel(t.Context())
	require.NoError(t, err)

	return ch
}

func receive(t *testing.T, in <-chan cbus.Delivery) cbus.Delivery {
	t.Helper()

	select {
	case d, ok := <-in:
		require.True(t, ok, "stream closed")

		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")

		return cbus.Delivery{}
	}
}

func TestChannel_TopicRoundTrip(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	require.NoError(t, ch.ExchangeDeclare(ctx, "orders", cbus.ExchangeTopic, cbus.DurableExchange))
	q, err := ch.QueueDeclare(ctx, "", cbus.QueueOptions{AutoDelete: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(q, natsgo.InboxPrefix))
	require.NoError(t, ch.QueueBind(ctx, q, "orders", "order.#"))

	in, err := ch.Consume(ctx, q, cbus.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{q + "|", "orders.order.>|"}, tr.subscriptions())

	require.NoError(t, ch.Publish(ctx, "orders", "order.created", cbus.Publishing{
		Body:          []byte(`{"id":1}`),
		ContentType:   "application/json",
		ReplyTo:       "amq.gen-r",
		CorrelationID: "c-1",
		MessageID:     "m-1",
		Headers:       map[string]string{"X-Trace": "t-1"},
	}))

	d := receive(t, in)
	assert.Equal(t, "orders", d.Exchange)
	assert.Equal(t, "order.created", d.RoutingKey)
	assert.Equal(t, "amq.gen-r", d.ReplyTo)
	assert.Equal(t, "c-1", d.CorrelationID)
	assert.Equal(t, "m-1", d.MessageID)
	assert.Equal(t, "application/json", d.ContentType)
	assert.Equal(t, map[string]string{"X-Trace": "t-1"}, d.Headers)
	assert.JSONEq(t, `{"id":1}`, string(d.Body))
	assert.Nil(t, d.Acknowledger)
}

func TestChannel_NamedQueueIsQueueGroup(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	require.NoError(t, ch.ExchangeDeclare(ctx, "jobs", cbus.ExchangeDirect, cbus.DurableExchange))
	q, err := ch.QueueDeclare(ctx, "resizer", cbus.QueueOptions{Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "resizer", q)
	require.NoError(t, ch.QueueBind(ctx, q, "jobs", "resize"))
	require.NoError(t, ch.QueueBind(ctx, q, "jobs", "resize"))

	_, err = ch.Consume(ctx, q, cbus.ConsumeOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"resizer|resizer", "jobs.resize|resizer"}, tr.subscriptions())
}

func TestChannel_DefaultExchangeReachesQueue(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	q, err := ch.QueueDeclare(ctx, "", cbus.QueueOptions{Exclusive: true})
	require.NoError(t, err)

	in, err := ch.Consume(ctx, q, cbus.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "", q, cbus.Publishing{Body: []byte("pong")}))

	d := receive(t, in)
	assert.Equal(t, "pong", string(d.Body))
	assert.Equal(t, q, d.RoutingKey)
}

func TestChannel_FanoutIgnoresKey(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	require.NoError(t, ch.ExchangeDeclare(ctx, "logs", cbus.ExchangeFanout, cbus.ExchangeOptions{}))
	q, err := ch.QueueDeclare(ctx, "", cbus.QueueOptions{AutoDelete: true})
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(ctx, q, "logs", "ignored"))

	in, err := ch.Consume(ctx, q, cbus.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	require.NoError(t, ch.Publish(ctx, "logs", "any.key", cbus.Publishing{Body: []byte("x")}))
	assert.Equal(t, "any.key", receive(t, in).RoutingKey)
}

func TestChannel_PlainNATSMessage(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	q, err := ch.QueueDeclare(ctx, "plain", cbus.QueueOptions{})
	require.NoError(t, err)

	in, err := ch.Consume(ctx, q, cbus.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(&natsgo.Msg{Subject: "plain", Data: []byte("raw")}))

	d := receive(t, in)
	assert.Equal(t, "plain", d.RoutingKey)
	assert.Empty(t, d.Exchange)
	assert.Nil(t, d.Headers)
}

func TestChannel_Errors(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)
	ctx := t.Context()

	require.ErrorIs(t, ch.ExchangeDeclare(ctx, "x", cbus.ExchangeType("bogus"), cbus.ExchangeOptions{}),
		berr.ErrInvalidExchangeType)

	require.NoError(t, ch.ExchangeDeclare(ctx, "x", cbus.ExchangeTopic, cbus.ExchangeOptions{}))
	require.ErrorIs(t, ch.ExchangeDeclare(ctx, "x", cbus.ExchangeFanout, cbus.ExchangeOptions{}),
		berr.ErrInvalidExchangeType)

	require.ErrorIs(t, ch.QueueBind(ctx, "missing", "x", "k"), berr.ErrNotFound)

	_, err := ch.Consume(ctx, "missing", cbus.ConsumeOptions{})
	require.ErrorIs(t, err, berr.ErrNotFound)
}

func TestChannel_CancelEndsStreamAndDropsAutoDeleteQueue(t *testing.T) {
	tr := &fakeTransport{}
	ch := openChannel(t, tr)

	q, err := ch.QueueDeclare(t.Context(), "", cbus.QueueOptions{AutoDelete: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	in, err := ch.Consume(ctx, q, cbus.ConsumeOptions{AutoAck: true})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-in:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}

	require.Eventually(t, func() bool { return len(tr.subscriptions()) == 0 }, time.Second, 2*time.Millisecond)

	_, err = ch.Consume(t.Context(), q, cbus.ConsumeOptions{})
	require.ErrorIs(t, err, berr.ErrNotFound)
}

func TestConnection_CloseEndsConsumers(t *testing.T) {
	tr := &fakeTransport{}
	conn := nats.NewConnection(tr)

	ch, err := conn.Channel(t.Context())
	require.NoError(t, err)

	q, err := ch.QueueDeclare(t.Context(), "work", cbus.QueueOptions{})
	require.NoError(t, err)

	in, err := ch.Consume(t.Context(), q, cbus.ConsumeOptions{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())

	select {
	case _, ok := <-in:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}

	_, err = conn.Channel(t.Context())
	require.ErrorIs(t, err, berr.ErrChannelClosed)

	err = ch.Publish(t.Context(), "", "work", cbus.Publishing{Body: []byte("x")})
	require.ErrorIs(t, err, berr.ErrChannelClosed)
}

func TestNewDialer_EmptyURL(t *testing.T) {
	_, err := nats.NewDialer(config.NATS{}, nil)
	require.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestOptions(t *testing.T) {
	assert.Empty(t, nats.Options(config.NATS{}, nil))
	assert.Len(t, nats.Options(config.NATS{Name: "svc", ConnTimeout: time.Second, MaxReconnects: 3}, nil), 3)
}
