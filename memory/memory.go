package memory

import (
	"github.com/next-trace/scg-amqp-bus/adapters/inmemory"
	"github.com/next-trace/scg-amqp-bus/config"
	"github.com/next-trace/scg-amqp-bus/servicebus"
)

// localAMQP satisfies the connection manager's user check; the in-memory broker ignores it.
var localAMQP = config.AMQP{Host: "localhost", User: "guest", Password: "guest", VHost: "/"}

// New constructs a message bus backed by a fresh in-memory broker and returns
// it with the broker (for inspection) and a cleanup function that closes the bus.
func New(opts ...servicebus.Option) (*servicebus.MessageBus, *inmemory.Broker, func()) {
	broker := inmemory.New()
	b := NewOn(broker, opts...)
	cleanup := func() { _ = b.Close() }

	return b, broker, cleanup
}

// NewOn builds a bus on an existing broker, so several buses (a listener and
// a sender, say) can talk to each other in one process.
func NewOn(broker *inmemory.Broker, opts ...servicebus.Option) *servicebus.MessageBus {
	conns := servicebus.NewConnectionManager(localAMQP, broker.Dial, nil)

	return servicebus.New(conns, opts...)
}
