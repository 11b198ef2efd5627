package bus

import "context"

// DeliveryHandler consumes raw deliveries inside the listen loop.
// A returned error stops the loop unless the listener isolates errors.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// HandlerFunc is a routed handler: it receives the JSON-decoded payload and metadata.
type HandlerFunc func(ctx context.Context, payload any, meta Metadata) error

// Level is the severity understood by an Interpreter.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}

	return "info"
}

// Interpreter is the logging capability every configured handler must expose.
// It doubles as the fallback destination for messages nobody handles.
type Interpreter interface {
	Log(message string, level Level)
}

// Router exposes an explicit routing table keyed by handler method name
// (see dispatch.MethodName). Handlers without it are routed by reflection.
type Router interface {
	Routes() map[string]HandlerFunc
}
