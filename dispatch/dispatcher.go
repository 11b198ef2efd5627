package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
	"github.com/next-trace/scg-amqp-bus/diagnostic"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dispatcher delivers messages listened on one exchange to handler methods.
type Dispatcher struct {
	exchange string
	self     any
	registry *HandlerRegistry
	fallback func() cbus.Interpreter
	logger   *logrus.Entry
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFallback replaces the diagnostic logger used for unhandled messages when
// the exchange has no interpreter bound.
func WithFallback(f func() cbus.Interpreter) Option {
	return func(d *Dispatcher) { d.fallback = f }
}

func WithLogger(l *logrus.Entry) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a dispatcher for exchange. self handles messages when the registry
// binds no interpreter to the exchange.
func New(exchange string, self any, registry *HandlerRegistry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exchange: exchange,
		self:     self,
		registry: registry,
		fallback: func() cbus.Interpreter { return diagnostic.Default() },
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Exchange returns the exchange this dispatcher serves.
func (d *Dispatcher) Exchange() string { return d.exchange }

// Dispatch routes one delivery. It has the cbus.DeliveryHandler signature.
//
// Interpreter resolution fails before the payload is decoded. An unknown
// routing key is not an error: it is reported through the interpreter (or the
// diagnostic logger) as one error line and one info line with the payload.
func (d *Dispatcher) Dispatch(ctx context.Context, del cbus.Delivery) error {
	method := MethodName(del.RoutingKey)

	it, configured, err := d.registry.Resolve(d.exchange)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", del.RoutingKey, err)
	}

	target := d.self
	if configured {
		target = it
	}

	payload, err := decode(del)
	if err != nil {
		return fmt.Errorf("dispatch %s decode: %w", del.RoutingKey, errors.Join(berr.ErrSerializationFailed, err))
	}

	if fn, ok := lookupRoute(target, method); ok {
		d.logger.WithFields(logrus.Fields{
			"exchange":    d.exchange,
			"routing_key": del.RoutingKey,
			"method":      method,
		}).Debug("dispatching message")

		return fn(ctx, payload, del.Metadata())
	}

	if !configured {
		it = d.fallback()
	}

	it.Log(fmt.Sprintf("Unknown routing key '%s' for exchange '%s'.", del.RoutingKey, d.exchange), cbus.LevelError)
	it.Log(dump(payload), cbus.LevelInfo)

	return nil
}

// decode JSON-decodes the body. An empty body is a nil payload; a text/plain
// body that is not valid JSON is passed on as the raw string.
func decode(del cbus.Delivery) (any, error) {
	if len(del.Body) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(del.Body, &v); err != nil {
		if strings.HasPrefix(del.ContentType, "text/plain") {
			return string(del.Body), nil
		}

		return nil, err
	}

	return v, nil
}

func dump(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}

	return string(b)
}
