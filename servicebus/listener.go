package servicebus

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	"github.com/next-trace/scg-amqp-bus/dispatch"
)

// Listener is a long-running worker bound to one exchange. Incoming messages
// are routed by routing key to Read* methods of the handler resolved for the
// exchange (self unless the registry binds an interpreter).
type Listener struct {
	bus      *MessageBus
	exchange string
	registry *dispatch.HandlerRegistry
	self     any
	opts     cbus.ListenOptions
	logger   *logrus.Entry
	fallback func() cbus.Interpreter
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenOptions sets queue, ack and error-isolation behaviour for Run.
// The exchange kind is taken from Run's argument.
func WithListenOptions(o cbus.ListenOptions) ListenerOption {
	return func(l *Listener) { l.opts = o }
}

// WithListenerLogger sets the logger handed to the dispatcher.
func WithListenerLogger(e *logrus.Entry) ListenerOption {
	return func(l *Listener) {
		if e != nil {
			l.logger = e
		}
	}
}

// WithFallback replaces the diagnostic logger that reports unhandled messages.
func WithFallback(f func() cbus.Interpreter) ListenerOption {
	return func(l *Listener) { l.fallback = f }
}

// NewListener builds a worker. registry may be nil when no interpreters are bound.
func NewListener(
	bus *MessageBus,
	exchange string,
	registry *dispatch.HandlerRegistry,
	self any,
	opts ...ListenerOption,
) *Listener {
	l := &Listener{
		bus:      bus,
		exchange: exchange,
		registry: registry,
		self:     self,
		logger:   bus.logger,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Exchange returns the exchange the listener consumes from by default.
func (l *Listener) Exchange() string { return l.exchange }

// Run listens on the listener's exchange until ctx is cancelled.
// routingKey defaults to "#" and kind to topic.
func (l *Listener) Run(ctx context.Context, routingKey string, kind cbus.ExchangeType) error {
	if routingKey == "" {
		routingKey = cbus.MatchAll
	}

	if kind == "" {
		kind = cbus.ExchangeTopic
	}

	dopts := []dispatch.Option{dispatch.WithLogger(l.logger)}
	if l.fallback != nil {
		dopts = append(dopts, dispatch.WithFallback(l.fallback))
	}

	d := dispatch.New(l.exchange, l.self, l.registry, dopts...)

	opts := l.opts
	opts.Kind = kind

	return l.bus.Listen(ctx, l.exchange, routingKey, d.Dispatch, opts)
}

// Send sends on the listener's exchange.
func (l *Listener) Send(ctx context.Context, routingKey string, message any, opts cbus.SendOptions) error {
	return l.SendTo(ctx, l.exchange, routingKey, message, opts)
}

// SendTo sends on another exchange.
func (l *Listener) SendTo(ctx context.Context, exchange, routingKey string, message any, opts cbus.SendOptions) error {
	return l.bus.Send(ctx, exchange, routingKey, message, opts)
}

// Ask asks on the listener's exchange.
func (l *Listener) Ask(ctx context.Context, routingKey string, message any, timeout time.Duration) (string, error) {
	return l.AskTo(ctx, l.exchange, routingKey, message, timeout)
}

// AskTo asks on another exchange.
func (l *Listener) AskTo(
	ctx context.Context,
	exchange, routingKey string,
	message any,
	timeout time.Duration,
) (string, error) {
	return l.bus.Ask(ctx, exchange, routingKey, message, timeout)
}

// Reply answers the message described by meta.
func (l *Listener) Reply(ctx context.Context, meta cbus.Metadata, message any) error {
	return l.bus.Reply(ctx, meta, message)
}

func (l *Listener) Connection(ctx context.Context) (cbus.Connection, error) {
	return l.bus.conns.Connection(ctx)
}

func (l *Listener) Channel(ctx context.Context, id string) (cbus.Channel, error) {
	return l.bus.conns.Channel(ctx, id)
}
