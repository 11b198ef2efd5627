package servicebus

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
)

const (
	ContentTypeText = "text/plain"
	ContentTypeJSON = "application/json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PrepareMessage turns a message value into an outgoing envelope.
// Text (string, []byte) is sent as is; anything else is JSON-encoded.
// Empty text, nil, nil pointers and empty slices, maps or arrays are rejected
// with ErrEmptyMessage.
func PrepareMessage(message any) (cbus.Publishing, error) {
	if isEmpty(message) {
		return cbus.Publishing{}, fmt.Errorf("prepare message: %w", berr.ErrEmptyMessage)
	}

	p := cbus.Publishing{MessageID: uuid.NewString()}

	switch v := message.(type) {
	case string:
		p.Body = []byte(v)
		p.ContentType = ContentTypeText
	case []byte:
		p.Body = append([]byte(nil), v...)
		p.ContentType = ContentTypeText
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return cbus.Publishing{}, fmt.Errorf("prepare message: %w", errors.Join(berr.ErrSerializationFailed, err))
		}

		p.Body = body
		p.ContentType = ContentTypeJSON
	}

	return p, nil
}

func isEmpty(message any) bool {
	if message == nil {
		return true
	}

	v := reflect.ValueOf(message)
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}
