package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// Broker is a thread-safe in-process broker with AMQP routing semantics.
// It backs tests and examples: exchanges route by type (topic patterns with
// '*' and '#', direct, fanout; headers exchanges behave like fanout), the
// default exchange "" routes to the queue named by the routing key, exclusive
// queues die with their connection and auto-delete queues with their last consumer.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	published []Message
	dials     int
	channels  int
}

// Message is a recorded publish.
type Message struct {
	Exchange   string
	RoutingKey string
	Publishing cbus.Publishing
}

type exchange struct {
	kind     cbus.ExchangeType
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

// Dial opens a connection. The method value satisfies cbus.DialFunc.
func (b *Broker) Dial(ctx context.Context) (cbus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.dials++
	b.mu.Unlock()

	return &Connection{broker: b}, nil
}

// Published returns a copy of every message accepted by the broker, routed or not.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Message(nil), b.published...)
}

// Dials reports how many connections were opened.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// ChannelsOpened reports how many channels were opened over all connections.
func (b *Broker) ChannelsOpened() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.channels
}

// HasQueue reports whether queue currently exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.queues[name]

	return ok
}

// Depth reports how many messages wait in queue; zero for unknown queues.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		return 0
	}

	return q.depth()
}

// Bindings reports how many queues are bound to exchange.
func (b *Broker) Bindings(exchange string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchange]
	if !ok {
		return 0
	}

	return len(ex.bindings)
}

// ExchangeKind returns the declared type of an exchange.
func (b *Broker) ExchangeKind(name string) (cbus.ExchangeType, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}

	return ex.kind, true
}

func (b *Broker) declareExchange(name string, kind cbus.ExchangeType) error {
	if !kind.Valid() {
		return fmt.Errorf("exchange %q: %w: %q", name, berr.ErrInvalidExchangeType, kind)
	}

	if name == "" {
		return fmt.Errorf("exchange declare: default exchange cannot be redeclared: %w", berr.ErrInvalidExchangeType)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("exchange %q already declared as %s: %w", name, ex.kind, berr.ErrInvalidExchangeType)
		}

		return nil
	}

	b.exchanges[name] = &exchange{kind: kind}

	return nil
}

func (b *Broker) declareQueue(name string, opts cbus.QueueOptions, owner *Connection) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[name]; ok {
		if q.owner != nil && q.owner != owner {
			return "", fmt.Errorf("queue %q is exclusive to another connection: %w", name, berr.ErrChannelClosed)
		}

		return name, nil
	}

	q := newQueue(name, opts)
	if opts.Exclusive {
		q.owner = owner
	}

	b.queues[name] = q

	return name, nil
}

func (b *Broker) bind(queueName, exchangeName, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("bind: queue %q: %w", queueName, berr.ErrNotFound)
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("bind: exchange %q: %w", exchangeName, berr.ErrNotFound)
	}

	for _, bd := range ex.bindings {
		if bd.queue == queueName && bd.key == key {
			return nil
		}
	}

	ex.bindings = append(ex.bindings, binding{queue: queueName, key: key})

	return nil
}

func (b *Broker) publish(exchangeName, key string, msg cbus.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []*queue

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return fmt.Errorf("publish: exchange %q: %w", exchangeName, berr.ErrNotFound)
		}

		seen := make(map[string]struct{})
		for _, bd := range ex.bindings {
			if _, dup := seen[bd.queue]; dup || !routes(ex.kind, bd.key, key) {
				continue
			}

			seen[bd.queue] = struct{}{}
			targets = append(targets, b.queues[bd.queue])
		}
	}

	b.published = append(b.published, Message{Exchange: exchangeName, RoutingKey: key, Publishing: clonePublishing(msg)})

	for _, q := range targets {
		q.push(cbus.Delivery{
			Exchange:      exchangeName,
			RoutingKey:    key,
			ReplyTo:       msg.ReplyTo,
			CorrelationID: msg.CorrelationID,
			MessageID:     msg.MessageID,
			ContentType:   msg.ContentType,
			Headers:       cloneHeaders(msg.Headers),
			Body:          append([]byte(nil), msg.Body...),
		})
	}

	return nil
}

func (b *Broker) consume(queueName string, opts cbus.ConsumeOptions, ch *Channel) (*consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("consume: queue %q: %w", queueName, berr.ErrNotFound)
	}

	tag := opts.Tag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	c := &consumer{
		tag:     tag,
		q:       q,
		ch:      ch,
		autoAck: opts.AutoAck,
		out:     make(chan cbus.Delivery),
		done:    make(chan struct{}),
	}
	q.addConsumer(c)

	go c.run()

	return c, nil
}

// cancel stops c, requeues its unacked deliveries and deletes its queue when
// it was the last consumer of an auto-delete queue.
func (b *Broker) cancel(c *consumer) {
	if !c.stop() {
		return
	}

	c.requeuePending()

	b.mu.Lock()
	defer b.mu.Unlock()

	if left := c.q.removeConsumer(c); left == 0 && c.q.opts.AutoDelete {
		b.deleteQueueLocked(c.q.name)
	}
}

func (b *Broker) dropExclusive(owner *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, q := range b.queues {
		if q.owner == owner {
			b.deleteQueueLocked(name)
		}
	}
}

func (b *Broker) deleteQueueLocked(name string) {
	q, ok := b.queues[name]
	if !ok {
		return
	}

	delete(b.queues, name)
	q.close()

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}

		ex.bindings = kept
	}
}

func routes(kind cbus.ExchangeType, pattern, key string) bool {
	switch kind {
	case cbus.ExchangeDirect:
		return pattern == key
	case cbus.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		// fanout, and headers exchanges without header matching
		return true
	}
}

// topicMatch applies AMQP topic rules: '*' is exactly one word, '#' zero or more.
func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}

		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && words[0] == pattern[0] && topicMatch(pattern[1:], words[1:])
	}
}

func clonePublishing(p cbus.Publishing) cbus.Publishing {
	p.Body = append([]byte(nil), p.Body...)
	p.Headers = cloneHeaders(p.Headers)

	return p
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}

	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}

	return out
}
