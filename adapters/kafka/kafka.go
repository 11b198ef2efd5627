// Package kafka mirrors published envelopes to Kafka topics with franz-go.
//
// An envelope sent to exchange "orders" with routing key "order.created" is
// written to topic TopicPrefix+"orders" keyed by "order.created", so records
// for one routing key stay ordered within their partition.
package kafka

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// Envelope fields carried as record headers next to the user headers.
const (
	HeaderExchange      = "amqp-exchange"
	HeaderContentType   = "content-type"
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "correlation-id"
	HeaderReplyTo       = "reply-to"
)

// Writer is a minimal Kafka-like writer.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Mirror implements cbus.Publisher by writing every envelope to Kafka.
type Mirror struct {
	writer Writer
	prefix string
}

var _ cbus.Publisher = (*Mirror)(nil)

// New creates a mirror writing to topics named prefix+exchange.
func New(w Writer, prefix string) *Mirror { return &Mirror{writer: w, prefix: prefix} }

// Topic is the Kafka topic for exchange.
func (m *Mirror) Topic(exchange string) string {
	if exchange == "" {
		exchange = "default"
	}

	return m.prefix + exchange
}

func (m *Mirror) Publish(ctx context.Context, exchange, routingKey string, msg cbus.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if m.writer == nil {
		return fmt.Errorf("kafka mirror: %w", berr.ErrPublishFailed)
	}

	topic := m.Topic(exchange)

	if err := m.writer.Write(ctx, topic, []byte(routingKey), msg.Body, headers(exchange, msg)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka mirror write %s: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func headers(exchange string, msg cbus.Publishing) map[string]string {
	h := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		h[k] = v
	}

	set := func(k, v string) {
		if v != "" {
			h[k] = v
		}
	}
	set(HeaderExchange, exchange)
	set(HeaderContentType, msg.ContentType)
	set(HeaderMessageID, msg.MessageID)
	set(HeaderCorrelationID, msg.CorrelationID)
	set(HeaderReplyTo, msg.ReplyTo)

	return h
}
