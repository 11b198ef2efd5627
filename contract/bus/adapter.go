package bus

import "context"

// Connection is a live broker connection that hands out channels.
// Adapters (AMQP, NATS, in-memory) provide the concrete implementation.
type Connection interface {
	// Channel opens a new logical channel on the connection.
	Channel(ctx context.Context) (Channel, error)
	Close() error
	IsClosed() bool
}

// Channel is a logical sub-connection. It is not safe for concurrent use unless
// the implementation states otherwise; callers serialize access.
type Channel interface {
	Publisher

	ExchangeDeclare(ctx context.Context, name string, kind ExchangeType, opts ExchangeOptions) error
	// QueueDeclare declares a queue and returns its name. An empty name asks the
	// broker to generate one.
	QueueDeclare(ctx context.Context, name string, opts QueueOptions) (string, error)
	QueueBind(ctx context.Context, queue, exchange, routingKey string) error
	// Consume registers a consumer on queue. The returned stream is closed when the
	// consumer is cancelled or the channel closes.
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error)
	Close() error
	IsClosed() bool
}

// DialFunc establishes a broker connection. Only the connection manager calls it.
type DialFunc func(ctx context.Context) (Connection, error)
