/*
Package dispatch routes listened messages to handler methods by routing key.

A routing key maps to a method name by the read+CamelCase convention
(order.created -> readOrderCreated). Handlers either expose an explicit table
(bus.Router, usually a *RouteTable) or exported Read* methods that FromMethods
discovers by reflection. The HandlerRegistry decides, per exchange, which
handler receives the message: the listener itself, or an interpreter
registered under the name the exchange is bound to.
*/
package dispatch
