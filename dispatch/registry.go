package dispatch

import (
	"fmt"
	"sort"
	"sync"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// Factory builds a fresh handler value for one dispatch.
type Factory func() any

// HandlerRegistry maps exchanges to interpreter names and names to factories.
// Factories are registered explicitly at startup; bindings usually come from
// configuration. A nil registry has no bindings.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	bindings  map[string]string
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]Factory),
		bindings:  make(map[string]string),
	}
}

// Register makes an interpreter available under name. Duplicate names are rejected.
func (r *HandlerRegistry) Register(name string, f Factory) error {
	if f == nil {
		return fmt.Errorf("register interpreter %q: nil factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("register interpreter %q: %w", name, berr.ErrHandlerExists)
	}

	r.factories[name] = f

	return nil
}

// Bind routes messages of exchange to the interpreter registered under name.
// The name is not checked here; see Validate.
func (r *HandlerRegistry) Bind(exchange, name string) {
	r.mu.Lock()
	r.bindings[exchange] = name
	r.mu.Unlock()
}

// BindAll applies every exchange -> name pair of m.
func (r *HandlerRegistry) BindAll(m map[string]string) {
	for exchange, name := range m {
		r.Bind(exchange, name)
	}
}

// Binding returns the interpreter name bound to exchange.
func (r *HandlerRegistry) Binding(exchange string) (string, bool) {
	if r == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.bindings[exchange]

	return name, ok
}

// Resolve instantiates the interpreter bound to exchange. configured is false
// when nothing is bound, in which case the listener handles the message itself.
func (r *HandlerRegistry) Resolve(exchange string) (it cbus.Interpreter, configured bool, err error) {
	name, ok := r.Binding(exchange)
	if !ok {
		return nil, false, nil
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, true, fmt.Errorf("interpreter %q was not found: %w", name, berr.ErrUnknownInterpreter)
	}

	it, ok = f().(cbus.Interpreter)
	if !ok {
		return nil, true, fmt.Errorf("%q is not a correct interpreter: %w", name, berr.ErrUnknownInterpreter)
	}

	return it, true, nil
}

// Validate resolves every binding once, so a broken configuration fails at
// startup instead of on the first message. Exchanges are checked in sorted order.
func (r *HandlerRegistry) Validate() error {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	exchanges := make([]string, 0, len(r.bindings))
	for ex := range r.bindings {
		exchanges = append(exchanges, ex)
	}
	r.mu.RUnlock()

	sort.Strings(exchanges)

	for _, ex := range exchanges {
		if _, _, err := r.Resolve(ex); err != nil {
			return fmt.Errorf("exchange %q: %w", ex, err)
		}
	}

	return nil
}
