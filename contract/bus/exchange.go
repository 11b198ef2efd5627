package bus

// ExchangeType determines the matching semantics of an exchange.
type ExchangeType string

const (
	ExchangeTopic   ExchangeType = "topic"
	ExchangeDirect  ExchangeType = "direct"
	ExchangeHeaders ExchangeType = "headers"
	ExchangeFanout  ExchangeType = "fanout"
)

// Valid reports whether t is one of the four supported exchange types.
func (t ExchangeType) Valid() bool {
	switch t {
	case ExchangeTopic, ExchangeDirect, ExchangeHeaders, ExchangeFanout:
		return true
	default:
		return false
	}
}

func (t ExchangeType) String() string { return string(t) }

// MatchAll is the topic pattern that matches every routing key.
const MatchAll = "#"
