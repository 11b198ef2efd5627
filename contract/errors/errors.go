package errors

// Error codes for the bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeConfiguration       = "amqpbus.configuration"
	ErrCodeEmptyMessage        = "amqpbus.empty_message"
	ErrCodeUnknownInterpreter  = "amqpbus.unknown_interpreter"
	ErrCodeTimeout             = "amqpbus.timeout"
	ErrCodeHandlerExists       = "amqpbus.handler_exists"
	ErrCodePublishFailed       = "amqpbus.publish_failed"
	ErrCodeSerializationFailed = "amqpbus.serialization_failed"
	ErrCodeChannelClosed       = "amqpbus.channel_closed"
	ErrCodeBusClosed           = "amqpbus.bus_closed"
	ErrCodeNotFound            = "amqpbus.not_found"
	ErrCodeInvalidExchangeType = "amqpbus.invalid_exchange_type"
	ErrCodeNoReplyTo           = "amqpbus.no_reply_to"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	// ErrConfiguration is returned when a required connection parameter is missing.
	ErrConfiguration = Code(ErrCodeConfiguration)
	// ErrEmptyMessage is returned by send/ask for an empty body, before any I/O.
	ErrEmptyMessage = Code(ErrCodeEmptyMessage)
	// ErrUnknownInterpreter is returned when the interpreter bound to an exchange
	// is not registered or lacks the logging capability.
	ErrUnknownInterpreter = Code(ErrCodeUnknownInterpreter)
	// ErrTimeout is returned by ask when no reply arrives in time.
	ErrTimeout             = Code(ErrCodeTimeout)
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrChannelClosed       = Code(ErrCodeChannelClosed)
	ErrBusClosed           = Code(ErrCodeBusClosed)
	ErrNotFound            = Code(ErrCodeNotFound)
	ErrInvalidExchangeType = Code(ErrCodeInvalidExchangeType)
	ErrNoReplyTo           = Code(ErrCodeNoReplyTo)
)
