package bus

// Publishing is an outgoing message envelope.
type Publishing struct {
	Body          []byte
	ContentType   string
	ReplyTo       string
	CorrelationID string
	MessageID     string
	Headers       map[string]string
}

// Acknowledger settles a delivery consumed without auto-ack.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is an incoming message together with its delivery metadata.
type Delivery struct {
	Exchange      string
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
	MessageID     string
	ContentType   string
	Headers       map[string]string
	Body          []byte

	// Acknowledger is nil for auto-acked deliveries.
	Acknowledger Acknowledger
}

// Ack acknowledges the delivery. It is a no-op for auto-acked deliveries.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return nil
	}

	return d.Acknowledger.Ack()
}

// Nack rejects the delivery. It is a no-op for auto-acked deliveries.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return nil
	}

	return d.Acknowledger.Nack(requeue)
}

// Metadata returns the handler-facing view of the delivery.
func (d Delivery) Metadata() Metadata {
	return Metadata{
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationID,
	}
}

// Metadata is passed to routed handler methods alongside the decoded payload.
// ReplyTo is empty when the message did not ask for an answer.
type Metadata struct {
	Exchange      string
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
}

// HasReplyTo reports whether the sender expects an answer.
func (m Metadata) HasReplyTo() bool { return m.ReplyTo != "" }
