package inmemory

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// Connection is a broker connection. Closing it closes its channels and
// deletes the exclusive queues it declared.
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

var _ cbus.Connection = (*Connection)(nil)

// Channel opens a channel. Channels of this broker are safe for concurrent use.
func (c *Connection) Channel(ctx context.Context) (cbus.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("open channel: %w", berr.ErrChannelClosed)
	}

	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)

	c.broker.mu.Lock()
	c.broker.channels++
	c.broker.mu.Unlock()

	return ch, nil
}

// Close is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}

	c.broker.dropExclusive(c)

	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Channel is a logical channel on a Connection.
type Channel struct {
	conn *Connection

	mu        sync.Mutex
	consumers []*consumer
	closed    bool
}

var _ cbus.Channel = (*Channel)(nil)

func (ch *Channel) usable(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if ch.IsClosed() {
		return fmt.Errorf("%s: %w", op, berr.ErrChannelClosed)
	}

	return nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) error {
	if err := ch.usable(ctx, "publish"); err != nil {
		return err
	}

	return ch.conn.broker.publish(exchange, routingKey, msg)
}

func (ch *Channel) ExchangeDeclare(ctx context.Context, name string, kind cbus.ExchangeType, _ cbus.ExchangeOptions) error {
	if err := ch.usable(ctx, "exchange declare"); err != nil {
		return err
	}

	return ch.conn.broker.declareExchange(name, kind)
}

func (ch *Channel) QueueDeclare(ctx context.Context, name string, opts cbus.QueueOptions) (string, error) {
	if err := ch.usable(ctx, "queue declare"); err != nil {
		return "", err
	}

	return ch.conn.broker.declareQueue(name, opts, ch.conn)
}

func (ch *Channel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.usable(ctx, "queue bind"); err != nil {
		return err
	}

	return ch.conn.broker.bind(queue, exchange, routingKey)
}

// Consume starts a consumer that lives until ctx is done or the channel closes.
func (ch *Channel) Consume(ctx context.Context, queue string, opts cbus.ConsumeOptions) (<-chan cbus.Delivery, error) {
	if err := ch.usable(ctx, "consume"); err != nil {
		return nil, err
	}

	c, err := ch.conn.broker.consume(queue, opts, ch)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		ch.conn.broker.cancel(c)

		return nil, fmt.Errorf("consume: %w", berr.ErrChannelClosed)
	}

	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			ch.conn.broker.cancel(c)
		case <-c.done:
		}
	}()

	return c.out, nil
}

// Close cancels the channel's consumers. It is idempotent.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return nil
	}

	ch.closed = true
	consumers := ch.consumers
	ch.consumers = nil
	ch.mu.Unlock()

	for _, c := range consumers {
		ch.conn.broker.cancel(c)
	}

	return nil
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closed || ch.conn.IsClosed()
}
