/*
Package nats runs the bus over core NATS with nats.go.

NATS has no exchanges or queues, so the adapter keeps them client-side:
exchange "orders" with routing key "order.created" becomes subject
"orders.order.created", a named queue becomes a queue group and every binding
of a queue becomes one subscription. Topic wildcards map to NATS wildcards
('*' stays, a trailing '#' becomes '>'). Envelope fields travel in headers.
Core NATS has no acknowledgements; deliveries carry no Acknowledger.
*/
package nats
