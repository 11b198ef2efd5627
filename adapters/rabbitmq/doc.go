/*
Package rabbitmq is the AMQP 0-9-1 transport of the bus, built on amqp091-go.
It adapts connections and channels to the bus contracts and provides a dialer
with optional retry using exponential backoff with jitter.
*/
package rabbitmq
