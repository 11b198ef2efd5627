package servicebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// DefaultAskTimeout applies when Ask is called with a non-positive timeout.
const DefaultAskTimeout = 10 * time.Second

// MessageBus sends, asks and listens over channels handed out by a ConnectionManager.
// MessageBus is concurrency-safe; each Ask runs on its own channel.
type MessageBus struct {
	conns      *ConnectionManager
	logger     *logrus.Entry
	propagator cbus.HeaderPropagator
	mirror     cbus.Publisher
	timeout    time.Duration
}

var _ cbus.Bus = (*MessageBus)(nil)

// Option configures a MessageBus.
type Option func(*MessageBus)

// WithLogger sets the logger used for listen/mirror diagnostics.
func WithLogger(l *logrus.Entry) Option {
	return func(b *MessageBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithPropagator injects context into outgoing headers.
func WithPropagator(p cbus.HeaderPropagator) Option {
	return func(b *MessageBus) {
		if p != nil {
			b.propagator = p
		}
	}
}

// WithMirror copies every successful Send to p. Mirror failures are logged only.
func WithMirror(p cbus.Publisher) Option {
	return func(b *MessageBus) { b.mirror = p }
}

// WithDefaultTimeout replaces DefaultAskTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *MessageBus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New constructs a MessageBus over conns.
func New(conns *ConnectionManager, opts ...Option) *MessageBus {
	b := &MessageBus{
		conns:      conns,
		logger:     logrus.NewEntry(logrus.StandardLogger()),
		propagator: cbus.NopHeaderPropagator{},
		timeout:    DefaultAskTimeout,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Connections exposes the underlying ConnectionManager.
func (b *MessageBus) Connections() *ConnectionManager { return b.conns }

// Send publishes message without waiting for an answer. Topic exchanges are
// declared (durable) on every call; other kinds must already exist.
func (b *MessageBus) Send(ctx context.Context, exchange, routingKey string, message any, opts cbus.SendOptions) error {
	msg, err := PrepareMessage(message)
	if err != nil {
		return err
	}

	kind, err := exchangeKind(opts.Kind)
	if err != nil {
		return fmt.Errorf("send %s: %w", exchange, err)
	}

	msg.Headers = b.headers(ctx, opts.Headers)

	ch, err := b.conns.Channel(ctx, opts.Channel)
	if err != nil {
		return err
	}

	if kind == cbus.ExchangeTopic && exchange != "" {
		if err := ch.ExchangeDeclare(ctx, exchange, kind, cbus.DurableExchange); err != nil {
			return wrapBroker("send declare "+exchange, err)
		}
	}

	if err := publish(ctx, ch, exchange, routingKey, msg, "send"); err != nil {
		return err
	}

	b.mirrorSend(ctx, exchange, routingKey, msg)

	return nil
}

// Ask publishes message with a reply-to queue and waits for the first non-empty
// answer. ErrTimeout is returned when nothing arrives within timeout after
// publishing; cancellation of ctx returns the context error.
func (b *MessageBus) Ask(
	ctx context.Context,
	exchange, routingKey string,
	message any,
	timeout time.Duration,
) (string, error) {
	msg, err := PrepareMessage(message)
	if err != nil {
		return "", err
	}

	if timeout <= 0 {
		timeout = b.timeout
	}

	ch, err := b.conns.Open(ctx)
	if err != nil {
		return "", err
	}

	defer func() { _ = ch.Close() }()

	queue, err := ch.QueueDeclare(ctx, "", cbus.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return "", wrapBroker("ask declare reply queue", err)
	}

	// the default exchange already routes by queue name
	if exchange != "" {
		if err := ch.QueueBind(ctx, queue, exchange, queue); err != nil {
			return "", wrapBroker("ask bind "+queue, err)
		}
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies, err := ch.Consume(consumeCtx, queue, cbus.ConsumeOptions{AutoAck: true, Exclusive: true})
	if err != nil {
		return "", wrapBroker("ask consume "+queue, err)
	}

	msg.ReplyTo = queue
	msg.CorrelationID = uuid.NewString()
	msg.Headers = b.headers(ctx, nil)

	if err := publish(ctx, ch, exchange, routingKey, msg, "ask"); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", fmt.Errorf("ask %s/%s after %s: %w", exchange, routingKey, timeout, berr.ErrTimeout)
		case d, ok := <-replies:
			if !ok {
				return "", fmt.Errorf("ask %s/%s: reply stream closed: %w", exchange, routingKey, berr.ErrChannelClosed)
			}

			if len(d.Body) == 0 {
				continue
			}

			if d.CorrelationID != "" && d.CorrelationID != msg.CorrelationID {
				b.logger.WithFields(logrus.Fields{"queue": queue, "correlation_id": d.CorrelationID}).
					Debug("dropping reply for another request")

				continue
			}

			return string(d.Body), nil
		}
	}
}

// Listen consumes from exchange with routingKey as binding pattern and calls
// handler for every delivery, strictly in order. It returns nil when ctx is
// cancelled or the broker closes the stream, and the handler's error otherwise
// (unless opts.IsolateErrors). The bus is closed when Listen returns.
func (b *MessageBus) Listen(
	ctx context.Context,
	exchange, routingKey string,
	handler cbus.DeliveryHandler,
	opts cbus.ListenOptions,
) (err error) {
	if handler == nil {
		return fmt.Errorf("listen %s: nil handler: %w", exchange, berr.ErrConfiguration)
	}

	kind, err := exchangeKind(opts.Kind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", exchange, err)
	}

	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ch, err := b.conns.Channel(ctx, opts.Channel)
	if err != nil {
		return err
	}

	qopts := cbus.QueueOptions{AutoDelete: true}
	if opts.Queue != "" {
		qopts = cbus.QueueOptions{Durable: true}
	}

	queue, err := ch.QueueDeclare(ctx, opts.Queue, qopts)
	if err != nil {
		return wrapBroker("listen declare queue", err)
	}

	if kind == cbus.ExchangeDirect {
		if err := ch.ExchangeDeclare(ctx, exchange, kind, cbus.DurableExchange); err != nil {
			return wrapBroker("listen declare "+exchange, err)
		}
	}

	if err := ch.QueueBind(ctx, queue, exchange, routingKey); err != nil {
		return wrapBroker("listen bind "+queue, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deliveries, err := ch.Consume(consumeCtx, queue, cbus.ConsumeOptions{AutoAck: !opts.ManualAck})
	if err != nil {
		return wrapBroker("listen consume "+queue, err)
	}

	log := b.logger.WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey, "queue": queue})
	log.Info("listening")

	for {
		select {
		case <-ctx.Done():
			log.Info("listener stopped")

			return nil
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery stream closed")

				return nil
			}

			if err := b.handle(ctx, log, handler, d, opts); err != nil {
				return err
			}
		}
	}
}

func (b *MessageBus) handle(
	ctx context.Context,
	log *logrus.Entry,
	handler cbus.DeliveryHandler,
	d cbus.Delivery,
	opts cbus.ListenOptions,
) error {
	herr := handler(ctx, d)
	if herr == nil {
		if opts.ManualAck {
			if err := d.Ack(); err != nil {
				log.WithError(err).WithField("delivery_routing_key", d.RoutingKey).Warn("ack failed")
			}
		}

		return nil
	}

	if !opts.IsolateErrors {
		return fmt.Errorf("listen %s/%s: %w", d.Exchange, d.RoutingKey, herr)
	}

	log.WithError(herr).WithField("delivery_routing_key", d.RoutingKey).Error("handler failed")

	if opts.ManualAck {
		if err := d.Nack(false); err != nil {
			log.WithError(err).Warn("nack failed")
		}
	}

	return nil
}

// Reply answers a message that carries a reply-to: the answer is published to
// the message's exchange with the reply-to as routing key and the same correlation id.
func (b *MessageBus) Reply(ctx context.Context, to cbus.Metadata, message any) error {
	if !to.HasReplyTo() {
		return fmt.Errorf("reply to %s/%s: %w", to.Exchange, to.RoutingKey, berr.ErrNoReplyTo)
	}

	msg, err := PrepareMessage(message)
	if err != nil {
		return err
	}

	msg.CorrelationID = to.CorrelationID
	msg.Headers = b.headers(ctx, nil)

	ch, err := b.conns.Channel(ctx, DefaultChannel)
	if err != nil {
		return err
	}

	return publish(ctx, ch, to.Exchange, to.ReplyTo, msg, "reply")
}

// Close closes every channel and the connection.
func (b *MessageBus) Close() error { return b.conns.Close() }

func (b *MessageBus) headers(ctx context.Context, base map[string]string) map[string]string {
	h := make(map[string]string, len(base)+2)
	for k, v := range base {
		h[k] = v
	}

	b.propagator.Inject(ctx, h)

	if len(h) == 0 {
		return nil
	}

	return h
}

func (b *MessageBus) mirrorSend(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) {
	if b.mirror == nil {
		return
	}

	if err := b.mirror.Publish(ctx, exchange, routingKey, msg); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{"exchange": exchange, "routing_key": routingKey}).
			Warn("mirror publish failed")
	}
}

func exchangeKind(k cbus.ExchangeType) (cbus.ExchangeType, error) {
	if k == "" {
		return cbus.ExchangeTopic, nil
	}

	if !k.Valid() {
		return "", fmt.Errorf("exchange type %q: %w", k, berr.ErrInvalidExchangeType)
	}

	return k, nil
}

func publish(ctx context.Context, ch cbus.Publisher, exchange, routingKey string, msg cbus.Publishing, label string) error {
	if err := ch.Publish(ctx, exchange, routingKey, msg); err != nil {
		if isContextErr(err) {
			return err
		}

		return fmt.Errorf("%s %s/%s: %w", label, exchange, routingKey, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func wrapBroker(label string, err error) error {
	if isContextErr(err) {
		return err
	}

	return fmt.Errorf("%s: %w", label, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
