package bus

import (
	"context"
	"time"
)

// Bus is the transport-neutral surface of the message bus.
//
// Send publishes without waiting, Ask performs request/reply and Listen runs the
// consume loop until ctx is cancelled or the broker drops the consumer.
// Message values are either text (string, []byte) or structured values that are
// encoded as JSON.
type Bus interface {
	Send(ctx context.Context, exchange, routingKey string, message any, opts SendOptions) error
	Ask(ctx context.Context, exchange, routingKey string, message any, timeout time.Duration) (string, error)
	Listen(ctx context.Context, exchange, routingKey string, handler DeliveryHandler, opts ListenOptions) error

	// Lifecycle
	Close() error
}
