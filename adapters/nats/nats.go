package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// Header keys carrying the envelope.
const (
	HeaderExchange      = "Amqp-Exchange"
	HeaderRoutingKey    = "Amqp-Routing-Key"
	HeaderReplyTo       = "Amqp-Reply-To"
	HeaderCorrelationID = "Amqp-Correlation-Id"
	HeaderMessageID     = "Amqp-Message-Id"
	HeaderContentType   = "Content-Type"
)

// subscriptionBuffer bounds messages buffered per consumer before NATS flags a slow consumer.
const subscriptionBuffer = 256

// Subscription is a live NATS subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the subset of a NATS connection the adapter needs.
type Transport interface {
	Publish(m *nats.Msg) error
	// Subscribe delivers messages for subject into ch; a non-empty group load-balances.
	Subscribe(subject, group string, ch chan *nats.Msg) (Subscription, error)
	Close() error
	IsClosed() bool
}

type queueState struct {
	group      string
	autoDelete bool
	subjects   []string
}

// Connection implements cbus.Connection over a Transport. Exchanges, queues
// and bindings live here since NATS has no broker-side equivalent.
type Connection struct {
	t         Transport
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	exchanges map[string]cbus.ExchangeType
	queues    map[string]*queueState
}

var _ cbus.Connection = (*Connection)(nil)

// NewConnection wraps t.
func NewConnection(t Transport) *Connection {
	return &Connection{
		t:         t,
		done:      make(chan struct{}),
		exchanges: make(map[string]cbus.ExchangeType),
		queues:    make(map[string]*queueState),
	}
}

func (c *Connection) Channel(ctx context.Context) (cbus.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.IsClosed() {
		return nil, fmt.Errorf("nats open channel: %w", berr.ErrChannelClosed)
	}

	return &Channel{conn: c, done: make(chan struct{})}, nil
}

// Close closes the transport and ends every consumer stream.
func (c *Connection) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)

		if !c.t.IsClosed() {
			err = c.t.Close()
		}
	})

	return err
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return c.t.IsClosed()
	}
}

func (c *Connection) exchangeKind(name string) cbus.ExchangeType {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.exchanges[name]; ok {
		return k
	}

	// declared by another process; routing keys without wildcards behave the same
	return cbus.ExchangeTopic
}

// Channel implements cbus.Channel. It is safe for concurrent use.
type Channel struct {
	conn *Connection

	done chan struct{}

	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

var _ cbus.Channel = (*Channel)(nil)

func (ch *Channel) usable(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ch.IsClosed() {
		return fmt.Errorf("nats %s: %w", op, berr.ErrChannelClosed)
	}

	return nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) error {
	if err := ch.usable(ctx, "publish"); err != nil {
		return err
	}

	return ch.conn.t.Publish(toMsg(exchange, routingKey, msg))
}

func (ch *Channel) ExchangeDeclare(ctx context.Context, name string, kind cbus.ExchangeType, _ cbus.ExchangeOptions) error {
	if err := ch.usable(ctx, "exchange declare"); err != nil {
		return err
	}

	if !kind.Valid() {
		return fmt.Errorf("nats exchange %q: %w: %q", name, berr.ErrInvalidExchangeType, kind)
	}

	if strings.ContainsAny(name, " *>") {
		return fmt.Errorf("nats exchange %q: invalid subject token: %w", name, berr.ErrInvalidExchangeType)
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.exchanges[name]; ok && prev != kind {
		return fmt.Errorf("nats exchange %q already declared as %s: %w", name, prev, berr.ErrInvalidExchangeType)
	}

	c.exchanges[name] = kind

	return nil
}

// QueueDeclare registers a queue. Named queues become queue groups; an empty
// name gets a fresh inbox and no group.
func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts cbus.QueueOptions) (string, error) {
	if err := ch.usable(ctx, "queue declare"); err != nil {
		return "", err
	}

	st := &queueState{autoDelete: opts.AutoDelete || opts.Exclusive}
	if name == "" {
		name = nats.NewInbox()
	} else {
		st.group = name
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.queues[name]; !ok {
		c.queues[name] = st
	}

	return name, nil
}

func (ch *Channel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.usable(ctx, "queue bind"); err != nil {
		return err
	}

	subject, err := BindingSubject(exchange, ch.conn.exchangeKind(exchange), routingKey)
	if err != nil {
		return err
	}

	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.queues[queue]
	if !ok {
		return fmt.Errorf("nats bind: queue %q: %w", queue, berr.ErrNotFound)
	}

	for _, s := range st.subjects {
		if s == subject {
			return nil
		}
	}

	st.subjects = append(st.subjects, subject)

	return nil
}

// Consume subscribes to every binding of queue plus the queue's own name,
// which is where the default exchange routes. Bindings added later are not picked up.
func (ch *Channel) Consume(ctx context.Context, queue string, _ cbus.ConsumeOptions) (<-chan cbus.Delivery, error) {
	if err := ch.usable(ctx, "consume"); err != nil {
		return nil, err
	}

	c := ch.conn
	c.mu.Lock()
	st, ok := c.queues[queue]

	var (
		subjects []string
		group    string
	)

	if ok {
		subjects = append([]string{queue}, st.subjects...)
		group = st.group
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("nats consume: queue %q: %w", queue, berr.ErrNotFound)
	}

	in := make(chan *nats.Msg, subscriptionBuffer)
	subs := make([]Subscription, 0, len(subjects))

	for _, subject := range subjects {
		sub, err := c.t.Subscribe(subject, group, in)
		if err != nil {
			unsubscribe(subs)

			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}

		subs = append(subs, sub)
	}

	ch.mu.Lock()
	ch.subs = append(ch.subs, subs...)
	ch.mu.Unlock()

	out := make(chan cbus.Delivery)

	go func() {
		defer close(out)
		defer unsubscribe(subs)
		defer ch.dropAutoDelete(queue)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.done:
				return
			case <-c.done:
				return
			case m := <-in:
				select {
				case out <- toDelivery(m):
				case <-ctx.Done():
					return
				case <-ch.done:
					return
				case <-c.done:
					return
				}
			}
		}
	}()

	return out, nil
}

// Close unsubscribes the channel's consumers.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return nil
	}

	ch.closed = true
	subs := ch.subs
	ch.subs = nil
	close(ch.done)
	ch.mu.Unlock()

	unsubscribe(subs)

	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()

	return closed || ch.conn.IsClosed()
}

func (ch *Channel) dropAutoDelete(queue string) {
	c := ch.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.queues[queue]; ok && st.autoDelete {
		delete(c.queues, queue)
	}
}

func unsubscribe(subs []Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func toMsg(exchange, routingKey string, p cbus.Publishing) *nats.Msg {
	h := nats.Header{}
	for k, v := range p.Headers {
		h.Set(k, v)
	}

	h.Set(HeaderExchange, exchange)
	h.Set(HeaderRoutingKey, routingKey)

	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set(HeaderReplyTo, p.ReplyTo)
	set(HeaderCorrelationID, p.CorrelationID)
	set(HeaderMessageID, p.MessageID)
	set(HeaderContentType, p.ContentType)

	return &nats.Msg{Subject: Subject(exchange, routingKey), Header: h, Data: p.Body}
}

func toDelivery(m *nats.Msg) cbus.Delivery {
	d := cbus.Delivery{
		Exchange:      m.Header.Get(HeaderExchange),
		RoutingKey:    m.Header.Get(HeaderRoutingKey),
		ReplyTo:       m.Header.Get(HeaderReplyTo),
		CorrelationID: m.Header.Get(HeaderCorrelationID),
		MessageID:     m.Header.Get(HeaderMessageID),
		ContentType:   m.Header.Get(HeaderContentType),
		Body:          m.Data,
	}

	if d.Exchange == "" && d.RoutingKey == "" {
		// published by a plain NATS client
		d.RoutingKey = m.Subject
	}

	for k, v := range m.Header {
		switch k {
		case HeaderExchange, HeaderRoutingKey, HeaderReplyTo, HeaderCorrelationID, HeaderMessageID, HeaderContentType:
			continue
		}

		if len(v) == 0 {
			continue
		}

		if d.Headers == nil {
			d.Headers = make(map[string]string)
		}

		d.Headers[k] = v[0]
	}

	return d
}
