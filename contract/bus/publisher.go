package bus

import "context"

// Publisher abstracts publishing an envelope to an exchange/routing-key pair.
// Channels implement it, and so do auxiliary sinks such as the Kafka mirror.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
}
