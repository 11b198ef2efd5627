package rabbitmq

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// AMQPChannel is the subset of *amqp.Channel used by the adapter.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
	IsClosed() bool
}

var _ AMQPChannel = (*amqp.Channel)(nil)

// Channel adapts an AMQP channel to cbus.Channel.
type Channel struct {
	ch AMQPChannel
}

var _ cbus.Channel = (*Channel)(nil)

// NewChannel wraps ch.
func NewChannel(ch AMQPChannel) *Channel { return &Channel{ch: ch} }

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, toPublishing(msg))
}

func (c *Channel) ExchangeDeclare(
	ctx context.Context,
	name string,
	kind cbus.ExchangeType,
	opts cbus.ExchangeOptions,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !kind.Valid() {
		return fmt.Errorf("rabbitmq exchange %q: %w: %q", name, berr.ErrInvalidExchangeType, kind)
	}

	return c.ch.ExchangeDeclare(name, string(kind), opts.Durable, opts.AutoDelete, opts.Internal, false, nil)
}

func (c *Channel) QueueDeclare(ctx context.Context, name string, opts cbus.QueueOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	if err != nil {
		return "", err
	}

	return q.Name, nil
}

func (c *Channel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// Consume starts a consumer that is cancelled on the broker when ctx is done.
// Unacked deliveries still in flight at that point are requeued.
func (c *Channel) Consume(ctx context.Context, queue string, opts cbus.ConsumeOptions) (<-chan cbus.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tag := opts.Tag
	if tag == "" {
		tag = "amqpbus-" + uuid.NewString()
	}

	src, err := c.ch.Consume(queue, tag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan cbus.Delivery)
	stopped := make(chan struct{})

	go func() {
		defer close(out)
		defer close(stopped)

		for d := range src {
			select {
			case out <- toDelivery(d, opts.AutoAck):
			case <-ctx.Done():
				if !opts.AutoAck {
					_ = d.Nack(false, true)
				}
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.ch.Cancel(tag, false)
		case <-stopped:
		}
	}()

	return out, nil
}

func (c *Channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}

	return c.ch.Close()
}

func (c *Channel) IsClosed() bool { return c.ch.IsClosed() }

// Connection adapts *amqp.Connection to cbus.Connection.
type Connection struct {
	conn *amqp.Connection
}

var _ cbus.Connection = (*Connection)(nil)

func (c *Connection) Channel(ctx context.Context) (cbus.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq open channel: %w", berr.ErrChannelClosed)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}

	return NewChannel(ch), nil
}

func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close()
}

func (c *Connection) IsClosed() bool { return c.conn.IsClosed() }

type acker struct{ d amqp.Delivery }

func (a acker) Ack() error { return a.d.Ack(false) }

func (a acker) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

func toDelivery(d amqp.Delivery, autoAck bool) cbus.Delivery {
	out := cbus.Delivery{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		MessageID:     d.MessageId,
		ContentType:   d.ContentType,
		Headers:       fromTable(d.Headers),
		Body:          d.Body,
	}

	if !autoAck {
		out.Acknowledger = acker{d: d}
	}

	return out
}

func toPublishing(m cbus.Publishing) amqp.Publishing {
	return amqp.Publishing{
		Headers:       toTable(m.Headers),
		ContentType:   m.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		MessageId:     m.MessageID,
		Body:          m.Body,
	}
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		switch s := v.(type) {
		case string:
			h[k] = s
		case []byte:
			h[k] = string(s)
		default:
			h[k] = fmt.Sprint(v)
		}
	}

	return h
}
