package inmemory

import (
	"sync"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
)

type queue struct {
	name  string
	opts  cbus.QueueOptions
	owner *Connection

	mu        sync.Mutex
	items     []cbus.Delivery
	ready     chan struct{}
	consumers int
	closed    bool
}

func newQueue(name string, opts cbus.QueueOptions) *queue {
	return &queue{name: name, opts: opts, ready: make(chan struct{})}
}

// push appends d and wakes every waiting consumer.
func (q *queue) push(d cbus.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.items = append(q.items, d)
	close(q.ready)
	q.ready = make(chan struct{})
}

// requeue puts d back at the head of the queue.
func (q *queue) requeue(d cbus.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	d.Acknowledger = nil
	q.items = append([]cbus.Delivery{d}, q.items...)
	close(q.ready)
	q.ready = make(chan struct{})
}

// next pops the head of the queue. When the queue is empty it returns a channel
// that is closed on the next push. ok is false once the queue is deleted.
func (q *queue) next() (d cbus.Delivery, wait <-chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return cbus.Delivery{}, nil, false
	}

	if len(q.items) == 0 {
		return cbus.Delivery{}, q.ready, true
	}

	d = q.items[0]
	q.items[0] = cbus.Delivery{}
	q.items = q.items[1:]

	return d, nil, true
}

func (q *queue) addConsumer(*consumer) {
	q.mu.Lock()
	q.consumers++
	q.mu.Unlock()
}

func (q *queue) removeConsumer(*consumer) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.consumers > 0 {
		q.consumers--
	}

	return q.consumers
}

// depth reports how many messages wait in the queue.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.items = nil
	close(q.ready)
}

type consumer struct {
	tag     string
	q       *queue
	ch      *Channel
	autoAck bool

	out      chan cbus.Delivery
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending []*acker
	settled bool
}

// stop reports whether this call cancelled the consumer.
func (c *consumer) stop() bool {
	stopped := false
	c.stopOnce.Do(func() {
		close(c.done)
		stopped = true
	})

	return stopped
}

// run moves deliveries from the queue to out until the consumer is cancelled
// or the queue is deleted. A delivery taken but not handed over goes back to the queue.
func (c *consumer) run() {
	defer close(c.out)

	for {
		d, wait, ok := c.q.next()
		if !ok {
			return
		}

		if wait != nil {
			select {
			case <-wait:
				continue
			case <-c.done:
				return
			}
		}

		var a *acker
		if !c.autoAck {
			a = &acker{c: c, d: d}
			if !c.track(a) {
				c.q.requeue(d)

				return
			}

			d.Acknowledger = a
		}

		select {
		case c.out <- d:
		case <-c.done:
			if a != nil {
				_ = a.Nack(true)
			} else {
				c.q.requeue(d)
			}

			return
		}
	}
}

// track registers a as unsettled. It fails once the consumer has been cancelled.
func (c *consumer) track(a *acker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settled {
		return false
	}

	c.pending = append(c.pending, a)

	return true
}

func (c *consumer) untrack(a *acker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p == a {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)

			return
		}
	}
}

// requeuePending puts every unsettled delivery back on the queue in its
// original order, as a broker does when a consumer goes away.
func (c *consumer) requeuePending() {
	c.mu.Lock()
	c.settled = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		_ = pending[i].Nack(true)
	}
}

type acker struct {
	c *consumer
	d cbus.Delivery

	once sync.Once
}

func (a *acker) Ack() error {
	a.once.Do(func() { a.c.untrack(a) })

	return nil
}

func (a *acker) Nack(requeue bool) error {
	a.once.Do(func() {
		a.c.untrack(a)

		if requeue {
			a.c.q.requeue(a.d)
		}
	})

	return nil
}
