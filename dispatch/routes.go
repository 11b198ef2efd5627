package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

// RouteTable is an explicit method name -> handler mapping built at startup.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]cbus.HandlerFunc
}

var _ cbus.Router = (*RouteTable)(nil)

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]cbus.HandlerFunc)}
}

// Handle registers fn for routingKey under its conventional method name.
func (t *RouteTable) Handle(routingKey string, fn cbus.HandlerFunc) error {
	return t.HandleMethod(MethodName(routingKey), fn)
}

// HandleMethod registers fn under an explicit method name. Duplicates are rejected.
func (t *RouteTable) HandleMethod(method string, fn cbus.HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("route %s: nil handler", method)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.routes[method]; exists {
		return fmt.Errorf("route %s: %w", method, berr.ErrHandlerExists)
	}

	t.routes[method] = fn

	return nil
}

// Lookup returns the handler registered for method.
func (t *RouteTable) Lookup(method string) (cbus.HandlerFunc, bool) {
	if t == nil {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	fn, ok := t.routes[method]

	return fn, ok
}

// Methods lists the registered method names in sorted order.
func (t *RouteTable) Methods() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.routes))
	for m := range t.routes {
		out = append(out, m)
	}

	sort.Strings(out)

	return out
}

// Routes returns a copy of the table.
func (t *RouteTable) Routes() map[string]cbus.HandlerFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]cbus.HandlerFunc, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}

	return out
}

var handlerSig = reflect.TypeOf((func(context.Context, any, cbus.Metadata) error)(nil))

// isHandlerMethod checks a method type whose first input is the receiver.
func isHandlerMethod(mt reflect.Type) bool {
	if mt.IsVariadic() || mt.NumIn() != handlerSig.NumIn()+1 || mt.NumOut() != handlerSig.NumOut() {
		return false
	}

	for i := 0; i < handlerSig.NumIn(); i++ {
		if mt.In(i+1) != handlerSig.In(i) {
			return false
		}
	}

	return mt.Out(0) == handlerSig.Out(0)
}

// method indexes per receiver type; the bound values are built per call
var methodCache sync.Map // reflect.Type -> []int

// FromMethods builds a table from the exported Read* methods of v that have the
// HandlerFunc signature. ReadOrderCreated is registered as readOrderCreated.
// Methods with other signatures are ignored.
func FromMethods(v any) *RouteTable {
	table := NewRouteTable()
	if v == nil {
		return table
	}

	rv := reflect.ValueOf(v)
	for _, idx := range readMethods(rv.Type()) {
		name := rv.Type().Method(idx).Name
		fn := rv.Method(idx).Interface().(func(context.Context, any, cbus.Metadata) error)
		table.routes[conventionName(name)] = fn
	}

	return table
}

func readMethods(t reflect.Type) []int {
	if cached, ok := methodCache.Load(t); ok {
		return cached.([]int)
	}

	prefix := goMethodName(methodPrefix)

	var idx []int

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !strings.HasPrefix(m.Name, prefix) {
			continue
		}

		if !isHandlerMethod(m.Type) {
			continue
		}

		idx = append(idx, i)
	}

	methodCache.Store(t, idx)

	return idx
}

// lookupRoute finds method on target, preferring an explicit table.
func lookupRoute(target any, method string) (cbus.HandlerFunc, bool) {
	switch h := target.(type) {
	case nil:
		return nil, false
	case *RouteTable:
		return h.Lookup(method)
	case cbus.Router:
		fn, ok := h.Routes()[method]
		return fn, ok
	default:
		return FromMethods(h).Lookup(method)
	}
}
