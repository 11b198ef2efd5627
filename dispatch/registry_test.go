package dispatch_test

import (
	"context"
	"testing"

	cbus "github.com/next-trace/scg-amqp-bus/contract/bus"
	berr "github.com/next-trace/scg-amqp-bus/contract/errors"
	"github.com/next-trace/scg-amqp-bus/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := dispatch.NewHandlerRegistry()
	require.NoError(t, reg.Register("a", func() any { return &recordingInterpreter{} }))

	err := reg.Register("a", func() any { return &recordingInterpreter{} })
	require.ErrorIs(t, err, berr.ErrHandlerExists)

	require.Error(t, reg.Register("b", nil))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := dispatch.NewHandlerRegistry()
	require.NoError(t, reg.Register("rec", func() any { return &recordingInterpreter{} }))
	reg.BindAll(map[string]string{"orders": "rec"})

	it, configured, err := reg.Resolve("orders")
	require.NoError(t, err)
	assert.True(t, configured)
	assert.IsType(t, &recordingInterpreter{}, it)

	// a fresh value per resolution
	it2, _, _ := reg.Resolve("orders")
	assert.NotSame(t, it, it2)

	it, configured, err = reg.Resolve("unbound")
	require.NoError(t, err)
	assert.False(t, configured)
	assert.Nil(t, it)

	var nilReg *dispatch.HandlerRegistry
	_, configured, err = nilReg.Resolve("orders")
	require.NoError(t, err)
	assert.False(t, configured)
}

func TestRegistry_Validate(t *testing.T) {
	reg := dispatch.NewHandlerRegistry()
	require.NoError(t, reg.Register("rec", func() any { return &recordingInterpreter{} }))
	reg.Bind("orders", "rec")
	require.NoError(t, reg.Validate())

	reg.Bind("audit", "ghost")
	err := reg.Validate()
	require.ErrorIs(t, err, berr.ErrUnknownInterpreter)
	assert.Contains(t, err.Error(), `exchange "audit"`)
}

func TestRouteTable(t *testing.T) {
	table := dispatch.NewRouteTable()
	noop := func(context.Context, any, cbus.Metadata) error { return nil }

	require.NoError(t, table.Handle("order.created", noop))
	require.NoError(t, table.HandleMethod("readAudit", noop))
	require.ErrorIs(t, table.Handle("order.created", noop), berr.ErrHandlerExists)

	assert.Equal(t, []string{"readAudit", "readOrderCreated"}, table.Methods())

	_, ok := table.Lookup("readOrderCreated")
	assert.True(t, ok)

	_, ok = table.Lookup("readNothing")
	assert.False(t, ok)
}

func TestFromMethods(t *testing.T) {
	table := dispatch.FromMethods(&orderWorker{})

	assert.Equal(t, []string{"readOrderCreated", "readOrderFailed", "readUserProfileUpdated"}, table.Methods())
	assert.Empty(t, dispatch.FromMethods(nil).Methods())
}
