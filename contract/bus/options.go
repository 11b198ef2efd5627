package bus

// ExchangeOptions controls exchange declaration.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
}

// QueueOptions controls queue declaration.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// ConsumeOptions controls consumer registration.
// With AutoAck false every Delivery carries an Acknowledger and acking is the handler's job.
type ConsumeOptions struct {
	Tag       string
	AutoAck   bool
	Exclusive bool
}

// DurableExchange is how topic exchanges (send) and direct exchanges (listen) are declared.
var DurableExchange = ExchangeOptions{Durable: true}

// SendOptions controls a publish-only send. The zero value sends to a topic exchange
// on the default channel.
type SendOptions struct {
	Kind    ExchangeType
	Headers map[string]string
	Channel string
}

// ListenOptions controls the consume loop. The zero value binds a server-named
// queue to a topic exchange with auto-ack and stops on the first handler error.
type ListenOptions struct {
	Kind ExchangeType
	// Queue names a durable queue; empty means a server-named, auto-deleted one.
	Queue string
	// ManualAck acks each delivery after its handler succeeds instead of on receipt;
	// isolated failures are nacked without requeue.
	ManualAck bool
	// IsolateErrors logs handler errors and keeps consuming instead of stopping.
	IsolateErrors bool
	Channel       string
}
