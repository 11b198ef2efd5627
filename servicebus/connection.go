package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/next-trace/scg-amqp-bus/config"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// DefaultChannel is the id used when a caller asks for channel "".
const DefaultChannel = "default"

// ConnectionManager owns the broker connection and the named channel cache.
// It is the only component that dials. Safe for concurrent use.
type ConnectionManager struct {
	cfg    config.AMQP
	dial   cbus.DialFunc
	logger *logrus.Entry

	mu       sync.Mutex
	conn     cbus.Connection
	channels map[string]*lockedChannel
	closed   bool
}

// NewConnectionManager creates a manager; nothing is dialed until first use.
// A nil logger falls back to the logrus standard logger.
func NewConnectionManager(cfg config.AMQP, dial cbus.DialFunc, logger *logrus.Entry) *ConnectionManager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &ConnectionManager{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		channels: make(map[string]*lockedChannel),
	}
}

// Connection returns the shared connection, dialing on first use.
// A failed dial is retried on the next call.
func (m *ConnectionManager) Connection(ctx context.Context) (cbus.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connectionLocked(ctx)
}

func (m *ConnectionManager) connectionLocked(ctx context.Context) (cbus.Connection, error) {
	if m.closed {
		return nil, fmt.Errorf("connection: %w", berr.ErrBusClosed)
	}

	if m.conn != nil && !m.conn.IsClosed() {
		return m.conn, nil
	}

	if m.cfg.User == "" {
		return nil, fmt.Errorf("connection: user is required: %w", berr.ErrConfiguration)
	}

	if m.dial == nil {
		return nil, fmt.Errorf("connection: no dialer: %w", berr.ErrConfiguration)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := m.dial(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		return nil, fmt.Errorf("connection dial %s:%d: %w", m.cfg.Host, m.cfg.Port, err)
	}

	// channels of a dropped connection are dead too
	m.channels = make(map[string]*lockedChannel)
	m.conn = conn

	m.logger.WithFields(logrus.Fields{"host": m.cfg.Host, "port": m.cfg.Port, "vhost": m.cfg.VHost}).
		Debug("broker connection established")

	return conn, nil
}

// Channel returns the cached channel for id, opening it on first access.
// Concurrent calls for the same id get the identical value.
func (m *ConnectionManager) Channel(ctx context.Context, id string) (cbus.Channel, error) {
	if id == "" {
		id = DefaultChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[id]; ok && !ch.IsClosed() {
		return ch, nil
	}

	conn, err := m.connectionLocked(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := conn.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open channel %q: %w", id, err)
	}

	ch := &lockedChannel{ch: raw}
	m.channels[id] = ch

	m.logger.WithField("channel", id).Debug("channel opened")

	return ch, nil
}

// Open returns a new uncached channel owned by the caller.
func (m *ConnectionManager) Open(ctx context.Context) (cbus.Channel, error) {
	conn, err := m.Connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return ch, nil
}

// Close closes the cached channels, then the connection. Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	var errs []error

	for id, ch := range m.channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %q: %w", id, err))
		}
	}

	m.channels = nil

	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}

		m.conn = nil
	}

	return errors.Join(errs...)
}

// lockedChannel serializes calls on a shared cached channel.
// Consume only holds the lock while registering; the stream is read lock-free.
type lockedChannel struct {
	mu sync.Mutex
	ch cbus.Channel
}

var _ cbus.Channel = (*lockedChannel)(nil)

func (c *lockedChannel) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.Publish(ctx, exchange, routingKey, msg)
}

func (c *lockedChannel) ExchangeDeclare(
	ctx context.Context,
	name string,
	kind cbus.ExchangeType,
	opts cbus.ExchangeOptions,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.ExchangeDeclare(ctx, name, kind, opts)
}

func (c *lockedChannel) QueueDeclare(ctx context.Context, name string, opts cbus.QueueOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.QueueDeclare(ctx, name, opts)
}

func (c *lockedChannel) QueueBind(ctx context.Context, queue, exchange, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.QueueBind(ctx, queue, exchange, routingKey)
}

func (c *lockedChannel) Consume(ctx context.Context, queue string, opts cbus.ConsumeOptions) (<-chan cbus.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.Consume(ctx, queue, opts)
}

func (c *lockedChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ch.Close()
}

// IsClosed does not take the lock: adapters report closure concurrently, and a
// publish blocked by flow control must not stall channel lookups.
func (c *lockedChannel) IsClosed() bool { return c.ch.IsClosed() }
