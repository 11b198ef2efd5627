package nats

import (
	"fmt"
	"strings"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// emptyToken stands in for an empty routing key; NATS subjects cannot end in '.'.
const emptyToken = "_"

// Subject is the subject a message published to exchange with routingKey goes to.
// The default exchange "" publishes straight to the routing key.
func Subject(exchange, routingKey string) string {
	if routingKey == "" {
		routingKey = emptyToken
	}

	if exchange == "" {
		return routingKey
	}

	return exchange + "." + routingKey
}

// BindingSubject is the subscription subject for a binding of kind with pattern.
func BindingSubject(exchange string, kind cbus.ExchangeType, pattern string) (string, error) {
	if exchange == "" {
		return Subject("", pattern), nil
	}

	switch kind {
	case cbus.ExchangeFanout, cbus.ExchangeHeaders:
		return exchange + ".>", nil
	case cbus.ExchangeDirect:
		return Subject(exchange, pattern), nil
	case cbus.ExchangeTopic:
		if pattern == "" {
			return Subject(exchange, pattern), nil
		}

		words := strings.Split(pattern, ".")
		for i, w := range words {
			if w != cbus.MatchAll {
				continue
			}

			if i != len(words)-1 {
				return "", fmt.Errorf("nats binding %q: '#' is only supported as the last word: %w",
					pattern, berr.ErrInvalidExchangeType)
			}

			words[i] = ">"
		}

		return exchange + "." + strings.Join(words, "."), nil
	default:
		return "", fmt.Errorf("nats binding %s: %w: %q", exchange, berr.ErrInvalidExchangeType, kind)
	}
}
