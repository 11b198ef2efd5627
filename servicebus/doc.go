/*
Package servicebus is the messaging bus itself: a ConnectionManager that owns the
broker connection and named channel cache, a MessageBus that sends, asks and
listens over it, and a Listener worker that routes deliveries to handler methods.
It stays transport-neutral; concrete brokers plug in through a bus.DialFunc.
*/
package servicebus
